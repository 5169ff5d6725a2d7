package blobstore_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/captain/pkg/blobstore"
)

var _ = Describe("Codec", func() {
	payload := bytes.Repeat([]byte("screen pixels "), 512)

	DescribeTable("round trips",
		func(name string) {
			c, err := blobstore.NewCodec(name)
			Expect(err).NotTo(HaveOccurred())
			defer c.Close()

			enc, err := c.Encode(payload)
			Expect(err).NotTo(HaveOccurred())
			dec, err := c.Decode(enc)
			Expect(err).NotTo(HaveOccurred())
			Expect(dec).To(Equal(payload))
		},
		Entry("zstd", blobstore.CodecZstd),
		Entry("lz4", blobstore.CodecLZ4),
		Entry("none", blobstore.CodecNone),
		Entry("default", ""),
	)

	It("compresses repetitive content", func() {
		c, err := blobstore.NewCodec(blobstore.CodecZstd)
		Expect(err).NotTo(HaveOccurred())
		defer c.Close()

		enc, err := c.Encode(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(enc)).To(BeNumerically("<", len(payload)/4))
	})

	It("decodes blobs written by another codec", func() {
		lz, err := blobstore.NewCodec(blobstore.CodecLZ4)
		Expect(err).NotTo(HaveOccurred())
		defer lz.Close()
		zs, err := blobstore.NewCodec(blobstore.CodecZstd)
		Expect(err).NotTo(HaveOccurred())
		defer zs.Close()

		enc, err := lz.Encode(payload)
		Expect(err).NotTo(HaveOccurred())
		dec, err := zs.Decode(enc)
		Expect(err).NotTo(HaveOccurred())
		Expect(dec).To(Equal(payload))
	})

	It("rejects unknown codecs", func() {
		_, err := blobstore.NewCodec("brotli")
		Expect(err).To(MatchError(blobstore.ErrUnknownCodec))
	})
})

var _ = Describe("LocalStore", func() {
	var (
		ctx   context.Context
		dir   string
		store *blobstore.LocalStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		var err error
		store, err = blobstore.NewLocalStore(dir, blobstore.CodecZstd)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("requires a directory", func() {
		_, err := blobstore.NewLocalStore("", "")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("blob directory is required"))
	})

	It("stores and loads blobs", func() {
		Expect(store.Put(ctx, "frames/00000001", []byte("png"))).To(Succeed())
		data, err := store.Get(ctx, "frames/00000001")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("png")))
	})

	It("reclaims disk space on delete", func() {
		Expect(store.Put(ctx, "frames/00000001", []byte("png"))).To(Succeed())
		Expect(store.Delete(ctx, "frames/00000001")).To(Succeed())

		_, err := os.Stat(filepath.Join(dir, "frames", "00000001"))
		Expect(os.IsNotExist(err)).To(BeTrue())

		_, err = store.Get(ctx, "frames/00000001")
		Expect(err).To(MatchError(blobstore.ErrNotFound))
	})

	It("treats deleting a missing blob as success", func() {
		Expect(store.Delete(ctx, "frames/missing")).To(Succeed())
	})

	It("refuses keys that escape the root", func() {
		Expect(store.Put(ctx, "../outside", []byte("x"))).NotTo(Succeed())
	})

	It("leaves no temp files behind", func() {
		Expect(store.Put(ctx, "frames/a", []byte("1"))).To(Succeed())
		Expect(store.Put(ctx, "frames/a", []byte("2"))).To(Succeed())

		entries, err := os.ReadDir(filepath.Join(dir, "frames"))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})
})

var _ = Describe("CachingStore", func() {
	var (
		ctx   context.Context
		inner *blobstore.MemoryStore
		store *blobstore.CachingStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		inner = blobstore.NewMemoryStore()
		var err error
		store, err = blobstore.NewCachingStore(inner, 2)
		Expect(err).NotTo(HaveOccurred())
	})

	It("serves repeated reads", func() {
		Expect(store.Put(ctx, "a", []byte("1"))).To(Succeed())
		_, err := store.Get(ctx, "a")
		Expect(err).NotTo(HaveOccurred())

		// remove behind the cache's back: the cached copy still answers
		Expect(inner.Delete(ctx, "a")).To(Succeed())
		data, err := store.Get(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("1")))
	})

	It("invalidates on delete", func() {
		Expect(store.Put(ctx, "a", []byte("1"))).To(Succeed())
		_, err := store.Get(ctx, "a")
		Expect(err).NotTo(HaveOccurred())

		Expect(store.Delete(ctx, "a")).To(Succeed())
		_, err = store.Get(ctx, "a")
		Expect(err).To(MatchError(blobstore.ErrNotFound))
		Expect(inner.Len()).To(Equal(0))
	})

	It("returns copies that callers may mutate", func() {
		Expect(store.Put(ctx, "a", []byte("1"))).To(Succeed())
		data, err := store.Get(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		data[0] = 'x'

		again, err := store.Get(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal([]byte("1")))
	})
})
