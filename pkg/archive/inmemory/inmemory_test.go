package inmemory_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/archive/inmemory"
	"github.com/papercomputeco/captain/pkg/frame"
)

var _ = Describe("Store", func() {
	var (
		store *inmemory.Store
		ctx   context.Context
	)

	BeforeEach(func() {
		store = inmemory.NewStore()
		ctx = context.Background()
	})

	It("inserts once per id", func() {
		rec := archive.Record{ID: 1, Timestamp: time.Unix(1, 0)}
		inserted, err := store.Put(ctx, rec)
		Expect(err).NotTo(HaveOccurred())
		Expect(inserted).To(BeTrue())

		inserted, err = store.Put(ctx, rec)
		Expect(err).NotTo(HaveOccurred())
		Expect(inserted).To(BeFalse())
	})

	It("lists records in id order", func() {
		for _, id := range []frame.ID{3, 1, 2} {
			_, err := store.Put(ctx, archive.Record{ID: id})
			Expect(err).NotTo(HaveOccurred())
		}
		records, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(3))
		Expect(records[0].ID).To(Equal(frame.ID(1)))
		Expect(records[2].ID).To(Equal(frame.ID(3)))
	})

	It("drops the embedding of removed records", func() {
		_, err := store.Put(ctx, archive.Record{ID: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(store.SetEmbedding(ctx, 1, "editor", []float32{1, 0})).To(Succeed())
		Expect(store.MarkRemoved(ctx, 1)).To(Succeed())

		records, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(records[0].Removed).To(BeTrue())
		Expect(records[0].Embedding).To(BeEmpty())
		Expect(store.SetEmbedding(ctx, 1, "", []float32{1})).To(MatchError(archive.ErrNotFound))
	})

	It("fails injected writes", func() {
		boom := errors.New("io error")
		store.FailNext(1, boom)
		_, err := store.Put(ctx, archive.Record{ID: 1})
		Expect(err).To(MatchError(boom))

		_, err = store.Put(ctx, archive.Record{ID: 1})
		Expect(err).NotTo(HaveOccurred())
	})
})
