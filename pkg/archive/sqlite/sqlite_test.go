package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/archive/sqlite"
	"github.com/papercomputeco/captain/pkg/frame"
)

var _ = Describe("Store", func() {
	var (
		store *sqlite.Store
		ctx   context.Context
		ts    time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		ts = time.Date(2025, 3, 1, 12, 0, 0, 123, time.UTC)
		var err error
		store, err = sqlite.NewStore(":memory:")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if store != nil {
			store.Close()
		}
	})

	Describe("NewStore", func() {
		It("requires a path", func() {
			_, err := sqlite.NewStore("")
			Expect(err).To(MatchError("database path is required"))
		})

		It("creates a database file", func() {
			dbPath := filepath.Join(GinkgoT().TempDir(), "captain.db")
			s, err := sqlite.NewStore(dbPath)
			Expect(err).NotTo(HaveOccurred())
			defer s.Close()

			_, err = os.Stat(dbPath)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	It("round trips a record", func() {
		rec := archive.Record{
			ID:          7,
			Timestamp:   ts,
			Hash:        "abc",
			MediaType:   "image/png",
			Size:        42,
			Description: "terminal",
			Embedding:   []float32{0.25, -1, 3.5},
		}
		inserted, err := store.Put(ctx, rec)
		Expect(err).NotTo(HaveOccurred())
		Expect(inserted).To(BeTrue())

		records, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].ID).To(Equal(rec.ID))
		Expect(records[0].Timestamp.Equal(ts)).To(BeTrue())
		Expect(records[0].Hash).To(Equal("abc"))
		Expect(records[0].MediaType).To(Equal("image/png"))
		Expect(records[0].Size).To(Equal(42))
		Expect(records[0].Embedding).To(Equal([]float32{0.25, -1, 3.5}))
	})

	It("ignores duplicate inserts", func() {
		_, err := store.Put(ctx, archive.Record{ID: 1, Timestamp: ts, Hash: "a"})
		Expect(err).NotTo(HaveOccurred())
		inserted, err := store.Put(ctx, archive.Record{ID: 1, Timestamp: ts, Hash: "b"})
		Expect(err).NotTo(HaveOccurred())
		Expect(inserted).To(BeFalse())

		records, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(records[0].Hash).To(Equal("a"))
	})

	It("attaches embeddings to live frames only", func() {
		_, err := store.Put(ctx, archive.Record{ID: 1, Timestamp: ts})
		Expect(err).NotTo(HaveOccurred())
		Expect(store.SetEmbedding(ctx, 1, "browser", []float32{1, 2})).To(Succeed())
		Expect(store.MarkRemoved(ctx, 1)).To(Succeed())
		Expect(store.SetEmbedding(ctx, 1, "browser", []float32{1, 2})).To(MatchError(archive.ErrNotFound))

		records, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(records[0].Removed).To(BeTrue())
		Expect(records[0].Embedding).To(BeNil())
		Expect(records[0].Description).To(Equal("browser"))
	})

	It("reports missing ids on removal", func() {
		Expect(store.MarkRemoved(ctx, frame.ID(99))).To(MatchError(archive.ErrNotFound))
	})

	It("lists in id order", func() {
		for _, id := range []frame.ID{5, 2, 9} {
			_, err := store.Put(ctx, archive.Record{ID: id, Timestamp: ts})
			Expect(err).NotTo(HaveOccurred())
		}
		records, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect([]frame.ID{records[0].ID, records[1].ID, records[2].ID}).To(Equal([]frame.ID{2, 5, 9}))
	})
})
