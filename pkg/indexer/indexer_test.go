package indexer_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/archive/inmemory"
	"github.com/papercomputeco/captain/pkg/blobstore"
	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/indexer"
	testutils "github.com/papercomputeco/captain/pkg/utils/test"
	"github.com/papercomputeco/captain/pkg/vector"
)

var _ = Describe("Indexer", func() {
	var (
		ctx      context.Context
		store    archive.Store
		blobs    blobstore.Store
		arc      *archive.Archive
		vectors  *testutils.MockVectorDriver
		embedder *testutils.MockFrameEmbedder
		ix       *indexer.Indexer
		start    time.Time
		cfg      indexer.Config
	)

	archiveN := func(n int) {
		for i := 1; i <= n; i++ {
			f := frame.New(frame.ID(i), start.Add(time.Duration(i)*time.Second), testutils.Bytes(fmt.Sprintf("screen-%d", i)))
			Expect(arc.Append(ctx, f)).To(Succeed())
		}
	}

	hitIDs := func(hits []indexer.Hit) []frame.ID {
		out := make([]frame.ID, len(hits))
		for i, h := range hits {
			out[i] = h.ID
		}
		return out
	}

	BeforeEach(func() {
		ctx = context.Background()
		start = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

		var err error
		store = inmemory.NewStore()
		blobs = blobstore.NewMemoryStore()
		arc, err = archive.Open(ctx, archive.Config{Store: store, Blobs: blobs})
		Expect(err).NotTo(HaveOccurred())

		vectors = testutils.NewMockVectorDriver()
		embedder = testutils.NewMockFrameEmbedder()
		cfg = indexer.Config{
			Archive:       arc,
			Vectors:       vectors,
			Embedder:      embedder,
			NumWorkers:    2,
			QueueSize:     16,
			RetryInterval: 20 * time.Millisecond,
			MaxAttempts:   3,
		}
	})

	JustBeforeEach(func() {
		var err error
		ix, err = indexer.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(ix.Close)
	})

	Describe("New", func() {
		It("validates its collaborators", func() {
			_, err := indexer.New(indexer.Config{Vectors: vectors, Embedder: embedder})
			Expect(err).To(MatchError("archive is required"))
			_, err = indexer.New(indexer.Config{Archive: arc, Embedder: embedder})
			Expect(err).To(MatchError("vector driver is required"))
			_, err = indexer.New(indexer.Config{Archive: arc, Vectors: vectors})
			Expect(err).To(MatchError("frame embedder is required"))
		})
	})

	Describe("Enqueue", func() {
		It("embeds archived frames asynchronously", func() {
			archiveN(3)
			embedder.Set(2, []float32{0, 1, 0})
			for id := frame.ID(1); id <= 3; id++ {
				Expect(ix.Enqueue(id)).To(BeTrue())
			}

			Eventually(ix.Indexed).Should(BeEquivalentTo(3))

			f, ok := arc.Snapshot().Frame(2)
			Expect(ok).To(BeTrue())
			Expect(f.Embedding).To(Equal([]float32{0, 1, 0}))
			Expect(f.Description).To(Equal("frame 2"))
			Expect(vectors.Len()).To(Equal(3))
		})

		It("ignores frames that are not archived", func() {
			Expect(ix.Enqueue(42)).To(BeTrue())
			Consistently(ix.Indexed, 50*time.Millisecond).Should(BeZero())
			Expect(embedder.Calls(42)).To(BeZero())
		})

		Context("when the queue is full", func() {
			BeforeEach(func() {
				cfg.NumWorkers = 1
				cfg.QueueSize = 1
				embedder.Block = make(chan struct{})
			})

			It("drops instead of blocking and retries later", func() {
				archiveN(4)
				results := make([]bool, 0, 4)
				for id := frame.ID(1); id <= 4; id++ {
					results = append(results, ix.Enqueue(id))
				}
				Expect(results).To(ContainElement(false))
				Expect(ix.Dropped()).To(BeNumerically(">", 0))
				Expect(ix.Pending()).To(BeNumerically(">", 0))

				close(embedder.Block)
				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go func() { _ = ix.Run(runCtx) }()

				Eventually(ix.Indexed, 2*time.Second).Should(BeEquivalentTo(4))
				Eventually(ix.Pending).Should(BeZero())
			})
		})
	})

	Describe("retries", func() {
		It("retries failed embeddings on the slow schedule", func() {
			archiveN(1)
			embedder.Fail(1, 1)
			Expect(ix.Enqueue(1)).To(BeTrue())

			Eventually(ix.Failed).Should(BeEquivalentTo(1))
			Expect(ix.Pending()).To(Equal(1))
			_, ok := arc.Snapshot().Frame(1)
			Expect(ok).To(BeTrue())

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() { _ = ix.Run(runCtx) }()

			Eventually(ix.Indexed, 2*time.Second).Should(BeEquivalentTo(1))
			Expect(embedder.Calls(1)).To(Equal(2))
		})

		It("gives up after the configured attempts", func() {
			archiveN(1)
			embedder.AlwaysFail[1] = true
			Expect(ix.Enqueue(1)).To(BeTrue())

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() { _ = ix.Run(runCtx) }()

			Eventually(func() int { return embedder.Calls(1) }, 3*time.Second).Should(Equal(3))
			Eventually(ix.Pending).Should(BeZero())
			Consistently(func() int { return embedder.Calls(1) }, 200*time.Millisecond).Should(Equal(3))

			f, ok := arc.Snapshot().Frame(1)
			Expect(ok).To(BeTrue())
			Expect(f.HasEmbedding()).To(BeFalse())
		})
	})

	Describe("Index", func() {
		BeforeEach(func() {
			archiveN(2)
		})

		It("makes a frame searchable", func() {
			Expect(ix.Index(ctx, 1, []float32{1, 0, 0})).To(Succeed())
			hits, err := ix.Search(ctx, []float32{1, 0, 0}, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(hitIDs(hits)).To(Equal([]frame.ID{1}))
			Expect(hits[0].Timestamp).To(Equal(start.Add(time.Second)))
		})

		It("refuses removed frames", func() {
			Expect(arc.Remove(ctx, 2)).To(Succeed())
			Expect(ix.Index(ctx, 2, []float32{1, 0, 0})).To(MatchError(archive.ErrNotFound))
			Expect(vectors.Len()).To(BeZero())
		})

		It("does not store the vector on the frame when the index fails", func() {
			vectors.SetFailAdd(true)
			Expect(ix.Index(ctx, 1, []float32{1, 0, 0})).To(HaveOccurred())
			f, _ := arc.Snapshot().Frame(1)
			Expect(f.HasEmbedding()).To(BeFalse())
		})
	})

	Describe("Search", func() {
		BeforeEach(func() {
			archiveN(5)
		})

		JustBeforeEach(func() {
			Expect(ix.Index(ctx, 1, []float32{1, 0, 0})).To(Succeed())
			Expect(ix.Index(ctx, 2, []float32{0.9, 0.1, 0})).To(Succeed())
			Expect(ix.Index(ctx, 3, []float32{0, 1, 0})).To(Succeed())
			Expect(ix.Index(ctx, 4, []float32{1, 0, 0})).To(Succeed())
		})

		It("orders by score and breaks ties by recency", func() {
			hits, err := ix.Search(ctx, []float32{1, 0, 0}, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(hitIDs(hits)).To(Equal([]frame.ID{4, 1, 2}))
		})

		It("never returns removed frames", func() {
			Expect(arc.Remove(ctx, 4)).To(Succeed())
			hits, err := ix.Search(ctx, []float32{1, 0, 0}, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(hitIDs(hits)).NotTo(ContainElement(frame.ID(4)))
			Expect(vectors.Deleted()).To(ContainElement(frame.ID(4)))
		})

		It("filters removals whose vector delete failed", func() {
			// Re-add the vector behind the archive's back.
			Expect(arc.Remove(ctx, 1)).To(Succeed())
			Expect(vectors.Driver.Add(ctx, []vector.Document{{ID: 1, Embedding: []float32{1, 0, 0}}})).To(Succeed())

			hits, err := ix.Search(ctx, []float32{1, 0, 0}, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(hitIDs(hits)).NotTo(ContainElement(frame.ID(1)))
		})

		It("drops hits the archive never held and purges them later", func() {
			vectors.Phantoms = []vector.QueryResult{{Document: vector.Document{ID: 99}, Score: 1}}
			hits, err := ix.Search(ctx, []float32{1, 0, 0}, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(hitIDs(hits)).To(Equal([]frame.ID{4, 1}))
			Expect(vectors.Deleted()).NotTo(ContainElement(frame.ID(99)))
			Expect(ix.Stale()).To(Equal(1))

			n, err := ix.PurgeStale(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(vectors.Deleted()).To(ContainElement(frame.ID(99)))
			Expect(ix.Stale()).To(BeZero())
		})

		Context("through an archive view older than the index", func() {
			var reader *indexer.Indexer

			JustBeforeEach(func() {
				readerArc, err := archive.Open(ctx, archive.Config{Store: store, Blobs: blobs})
				Expect(err).NotTo(HaveOccurred())
				reader, err = indexer.New(indexer.Config{
					Archive:  readerArc,
					Vectors:  vectors,
					Embedder: testutils.NewMockFrameEmbedder(),
				})
				Expect(err).NotTo(HaveOccurred())
				DeferCleanup(reader.Close)

				// Archived and indexed after the reader opened its view.
				f := frame.New(6, start.Add(6*time.Second), testutils.Bytes("screen-6"))
				Expect(arc.Append(ctx, f)).To(Succeed())
				Expect(ix.Index(ctx, 6, []float32{1, 0, 0})).To(Succeed())
			})

			It("leaves vectors it cannot resolve in place", func() {
				hits, err := reader.Search(ctx, []float32{1, 0, 0}, 3)
				Expect(err).NotTo(HaveOccurred())
				Expect(hitIDs(hits)).NotTo(ContainElement(frame.ID(6)))
				Expect(vectors.Deleted()).NotTo(ContainElement(frame.ID(6)))

				hits, err = ix.Search(ctx, []float32{1, 0, 0}, 3)
				Expect(err).NotTo(HaveOccurred())
				Expect(hitIDs(hits)).To(Equal([]frame.ID{6, 4, 1}))
			})

			It("is never flagged by the owner's view", func() {
				_, err := ix.Search(ctx, []float32{1, 0, 0}, 3)
				Expect(err).NotTo(HaveOccurred())
				Expect(ix.Stale()).To(BeZero())
			})
		})

		It("does not purge a hit that was archived after it was skipped", func() {
			vectors.Phantoms = []vector.QueryResult{{Document: vector.Document{ID: 6}, Score: 1}}
			_, err := ix.Search(ctx, []float32{1, 0, 0}, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(ix.Stale()).To(Equal(1))

			f := frame.New(6, start.Add(6*time.Second), testutils.Bytes("screen-6"))
			Expect(arc.Append(ctx, f)).To(Succeed())

			n, err := ix.PurgeStale(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
			Expect(vectors.Deleted()).NotTo(ContainElement(frame.ID(6)))
			Expect(ix.Stale()).To(BeZero())
		})

		It("returns nothing for k <= 0", func() {
			hits, err := ix.Search(ctx, []float32{1, 0, 0}, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(hits).To(BeEmpty())
		})

		It("reports index failures", func() {
			vectors.SetFailQuery(true)
			_, err := ix.Search(ctx, []float32{1, 0, 0}, 3)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("removal", func() {
		It("deletes the vector before the tombstone is visible", func() {
			archiveN(1)
			Expect(ix.Index(ctx, 1, []float32{1, 0, 0})).To(Succeed())

			var stillVisible bool
			arc.AddRemovalListener(archive.RemovalListenerFunc(func(_ context.Context, id frame.ID) error {
				_, stillVisible = arc.Snapshot().Frame(id)
				return nil
			}))
			Expect(arc.Remove(ctx, 1)).To(Succeed())
			Expect(stillVisible).To(BeTrue())
			Expect(vectors.Len()).To(BeZero())
		})
	})

	Describe("Repair", func() {
		It("restores lost vectors, purges removed ones and queues unembedded frames", func() {
			archiveN(4)
			Expect(ix.Index(ctx, 1, []float32{1, 0, 0})).To(Succeed())
			Expect(ix.Index(ctx, 2, []float32{0, 1, 0})).To(Succeed())
			Expect(arc.Remove(ctx, 2)).To(Succeed())

			// Simulate a lost index.
			Expect(vectors.Driver.Delete(ctx, []frame.ID{1})).To(Succeed())
			Expect(vectors.Driver.Add(ctx, []vector.Document{{ID: 2, Embedding: []float32{0, 1, 0}}})).To(Succeed())

			report, err := ix.Repair(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Restored).To(Equal(1))
			Expect(report.Purged).To(Equal(1))
			Expect(report.Queued).To(Equal(2))

			Eventually(ix.Indexed).Should(BeEquivalentTo(4))
			docs, err := vectors.Get(ctx, []frame.ID{1, 2, 3, 4})
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(3))
		})

		It("rebuilds an empty index from the archive", func() {
			archiveN(2)
			Expect(ix.Index(ctx, 1, []float32{1, 0, 0})).To(Succeed())
			Expect(ix.Index(ctx, 2, []float32{0, 1, 0})).To(Succeed())
			Expect(vectors.Driver.Delete(ctx, []frame.ID{1, 2})).To(Succeed())

			report, err := ix.Rebuild(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Restored).To(Equal(2))
			Expect(vectors.Len()).To(Equal(2))
		})
	})

	Describe("errors", func() {
		It("describes corruption", func() {
			err := &indexer.CorruptionError{Unknown: []frame.ID{1}, Removed: []frame.ID{2, 3}}
			Expect(err.Error()).To(ContainSubstring("1 unknown"))
			Expect(err.Error()).To(ContainSubstring("2 removed"))
			Expect(err.IDs()).To(ConsistOf(frame.ID(1), frame.ID(2), frame.ID(3)))
		})

		It("unwraps embedding errors", func() {
			cause := errors.New("timeout")
			err := &indexer.EmbeddingError{ID: 1, Attempt: 2, Err: cause}
			Expect(errors.Is(err, cause)).To(BeTrue())
		})
	})
})
