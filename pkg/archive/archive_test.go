package archive_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/archive/inmemory"
	"github.com/papercomputeco/captain/pkg/blobstore"
	"github.com/papercomputeco/captain/pkg/frame"
	testutils "github.com/papercomputeco/captain/pkg/utils/test"
)

var _ = Describe("Archive", func() {
	var (
		ctx   context.Context
		meta  *inmemory.Store
		blobs *testutils.FailingBlobStore
		arc   *archive.Archive
		start time.Time
	)

	newFrame := func(id int) *frame.Frame {
		return frame.New(frame.ID(id), start.Add(time.Duration(id)*time.Second), testutils.Bytes(fmt.Sprintf("screen-%d", id)))
	}

	appendN := func(n int) {
		for i := 1; i <= n; i++ {
			Expect(arc.Append(ctx, newFrame(i))).To(Succeed())
		}
	}

	collect := func(r archive.Range) []frame.ID {
		var ids []frame.ID
		Expect(arc.Iterate(ctx, r, func(f *frame.Frame) error {
			ids = append(ids, f.ID)
			return nil
		})).To(Succeed())
		return ids
	}

	BeforeEach(func() {
		ctx = context.Background()
		start = time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
		meta = inmemory.NewStore()
		blobs = testutils.NewFailingBlobStore()

		var err error
		arc, err = archive.Open(ctx, archive.Config{Store: meta, Blobs: blobs})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Open", func() {
		It("requires both stores", func() {
			_, err := archive.Open(ctx, archive.Config{Blobs: blobs})
			Expect(err).To(MatchError("metadata store is required"))
			_, err = archive.Open(ctx, archive.Config{Store: meta})
			Expect(err).To(MatchError("blob store is required"))
		})

		It("restores frames, tombstones and embeddings", func() {
			appendN(3)
			Expect(arc.SetEmbedding(ctx, 1, "shell", []float32{1, 0}, nil)).To(Succeed())
			Expect(arc.Remove(ctx, 2)).To(Succeed())

			reopened, err := archive.Open(ctx, archive.Config{Store: meta, Blobs: blobs})
			Expect(err).NotTo(HaveOccurred())

			snap := reopened.Snapshot()
			Expect(snap.Len()).To(Equal(2))
			Expect(snap.Removed()).To(Equal(1))
			Expect(reopened.MaxID()).To(Equal(frame.ID(3)))

			f, ok := snap.Frame(1)
			Expect(ok).To(BeTrue())
			Expect(f.Embedding).To(Equal([]float32{1, 0}))
			Expect(f.Description).To(Equal("shell"))

			status, ok := snap.Status(2)
			Expect(ok).To(BeTrue())
			Expect(status).To(Equal(frame.StatusRemoved))
		})
	})

	Describe("Append", func() {
		It("persists blob and metadata and marks the frame archived", func() {
			f := newFrame(1)
			Expect(arc.Append(ctx, f)).To(Succeed())
			Expect(f.Status).To(Equal(frame.StatusArchived))

			got, err := arc.Get(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Image.Data).To(Equal([]byte("screen-1")))
			Expect(got.Hash).To(Equal(f.Hash))

			records, err := meta.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
		})

		It("is idempotent for an id already present", func() {
			Expect(arc.Append(ctx, newFrame(1))).To(Succeed())
			Expect(arc.Append(ctx, newFrame(1))).To(Succeed())
			Expect(arc.Snapshot().Len()).To(Equal(1))
			Expect(blobs.Puts()).To(Equal(1))
		})

		It("rejects ids below the head", func() {
			Expect(arc.Append(ctx, newFrame(5))).To(Succeed())
			Expect(arc.Append(ctx, newFrame(3))).To(MatchError(archive.ErrOutOfOrder))
		})

		It("returns a retryable write error when the blob store fails", func() {
			blobs.SetFailPuts(1)
			err := arc.Append(ctx, newFrame(1))

			var we *archive.WriteError
			Expect(errors.As(err, &we)).To(BeTrue())
			Expect(we.ID).To(Equal(frame.ID(1)))
			Expect(archive.IsRetryable(err)).To(BeTrue())
			Expect(arc.Snapshot().Len()).To(Equal(0))

			Expect(arc.Append(ctx, newFrame(1))).To(Succeed())
			Expect(arc.Snapshot().Len()).To(Equal(1))
		})

		It("returns a write error when the metadata store fails", func() {
			meta.FailNext(1, errors.New("disk full"))
			Expect(archive.IsRetryable(arc.Append(ctx, newFrame(1)))).To(BeTrue())
			Expect(arc.Snapshot().Len()).To(Equal(0))
		})

		It("reclaims the blob when the metadata store fails", func() {
			meta.FailNext(1, errors.New("disk full"))
			Expect(arc.Append(ctx, newFrame(1))).To(HaveOccurred())
			Expect(blobs.Puts()).To(Equal(1))

			_, err := blobs.Get(ctx, archive.BlobKey(1))
			Expect(err).To(MatchError(blobstore.ErrNotFound))
		})

		It("reports how much of a batch was committed", func() {
			blobs.SetFailPuts(0)
			frames := []*frame.Frame{newFrame(1), newFrame(2), newFrame(3)}
			Expect(arc.Append(ctx, frames[0])).To(Succeed())

			blobs.SetFailPuts(1)
			n, err := arc.AppendBatch(ctx, frames)
			Expect(err).To(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})

	Describe("Remove", func() {
		BeforeEach(func() {
			appendN(5)
		})

		It("tombstones the frame and reclaims its blob", func() {
			Expect(arc.Remove(ctx, 3)).To(Succeed())

			_, err := arc.Get(ctx, 3)
			Expect(err).To(MatchError(archive.ErrNotFound))
			_, err = blobs.Get(ctx, archive.BlobKey(3))
			Expect(err).To(MatchError(blobstore.ErrNotFound))
			Expect(collect(archive.All)).To(Equal([]frame.ID{1, 2, 4, 5}))
		})

		It("is a no-op when repeated", func() {
			Expect(arc.Remove(ctx, 3)).To(Succeed())
			Expect(arc.Remove(ctx, 3)).To(Succeed())
			Expect(arc.Snapshot().Removed()).To(Equal(1))
		})

		It("never errors under concurrent double removal", func() {
			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- arc.Remove(ctx, 2)
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(arc.Snapshot().Removed()).To(Equal(1))
		})

		It("reports unknown ids", func() {
			Expect(arc.Remove(ctx, 99)).To(MatchError(archive.ErrNotFound))
		})

		It("keeps the id reserved", func() {
			Expect(arc.Remove(ctx, 5)).To(Succeed())
			Expect(arc.MaxID()).To(Equal(frame.ID(5)))
			Expect(arc.Append(ctx, newFrame(5))).To(Succeed())
			Expect(arc.Snapshot().Len()).To(Equal(4))
		})

		It("runs listeners before the tombstone is visible", func() {
			var visibleDuringListener bool
			arc.AddRemovalListener(archive.RemovalListenerFunc(func(_ context.Context, id frame.ID) error {
				_, visibleDuringListener = arc.Snapshot().Frame(id)
				return nil
			}))
			Expect(arc.Remove(ctx, 1)).To(Succeed())
			Expect(visibleDuringListener).To(BeTrue())
			_, visible := arc.Snapshot().Frame(1)
			Expect(visible).To(BeFalse())
		})

		It("completes the removal when a listener fails", func() {
			arc.AddRemovalListener(archive.RemovalListenerFunc(func(context.Context, frame.ID) error {
				return errors.New("index offline")
			}))
			Expect(arc.Remove(ctx, 1)).To(Succeed())
			Expect(arc.Snapshot().Removed()).To(Equal(1))
		})

		It("leaves old snapshots untouched", func() {
			before := arc.Snapshot()
			Expect(arc.Remove(ctx, 1)).To(Succeed())
			Expect(before.Len()).To(Equal(5))
			Expect(arc.Snapshot().Len()).To(Equal(4))
			Expect(arc.Snapshot().Version()).To(BeNumerically(">", before.Version()))
		})
	})

	Describe("Iterate", func() {
		BeforeEach(func() {
			appendN(10)
		})

		It("yields frames in id order within an id range", func() {
			Expect(collect(archive.Range{From: 3, To: 6})).To(Equal([]frame.ID{3, 4, 5, 6}))
		})

		It("yields frames within a time range", func() {
			var ids []frame.ID
			err := arc.IterateTime(ctx, archive.TimeRange{
				Since: start.Add(8 * time.Second),
				Until: start.Add(9 * time.Second),
			}, func(f *frame.Frame) error {
				ids = append(ids, f.ID)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]frame.ID{8, 9}))
		})

		It("stops on callback error", func() {
			stop := errors.New("stop")
			count := 0
			err := arc.Iterate(ctx, archive.All, func(*frame.Frame) error {
				count++
				return stop
			})
			Expect(err).To(MatchError(stop))
			Expect(count).To(Equal(1))
		})

		It("skips frames removed mid-iteration", func() {
			var ids []frame.ID
			err := arc.Iterate(ctx, archive.All, func(f *frame.Frame) error {
				if f.ID == 2 {
					Expect(arc.Remove(ctx, 3)).To(Succeed())
				}
				ids = append(ids, f.ID)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).NotTo(ContainElement(frame.ID(3)))
			Expect(ids).To(HaveLen(9))
		})

		It("stays ordered and complete under concurrent removals", func() {
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for id := 2; id <= 10; id += 2 {
					Expect(arc.Remove(ctx, frame.ID(id))).To(Succeed())
				}
			}()

			for range 20 {
				var last frame.ID
				Expect(arc.Iterate(ctx, archive.All, func(f *frame.Frame) error {
					Expect(f.ID).To(BeNumerically(">", last))
					Expect(f.Image.Data).To(Equal([]byte(fmt.Sprintf("screen-%d", f.ID))))
					last = f.ID
					return nil
				})).To(Succeed())
			}
			wg.Wait()
			Expect(collect(archive.All)).To(Equal([]frame.ID{1, 3, 5, 7, 9}))
		})

		It("surfaces a live frame whose blob is gone as corruption", func() {
			Expect(blobs.Store.Delete(ctx, archive.BlobKey(4))).To(Succeed())
			_, err := arc.Get(ctx, 4)
			Expect(err).To(MatchError(archive.ErrCorrupt))
		})
	})

	Describe("SetEmbedding", func() {
		BeforeEach(func() {
			appendN(2)
		})

		It("attaches the vector visible through snapshots", func() {
			Expect(arc.SetEmbedding(ctx, 1, "editor", []float32{0.1, 0.2}, nil)).To(Succeed())
			f, ok := arc.Snapshot().Frame(1)
			Expect(ok).To(BeTrue())
			Expect(f.HasEmbedding()).To(BeTrue())
		})

		It("runs the index callback under the frame lock", func() {
			called := false
			Expect(arc.SetEmbedding(ctx, 1, "", []float32{1}, func(context.Context) error {
				called = true
				return nil
			})).To(Succeed())
			Expect(called).To(BeTrue())
		})

		It("does not store the vector when the index callback fails", func() {
			boom := errors.New("index down")
			Expect(arc.SetEmbedding(ctx, 1, "", []float32{1}, func(context.Context) error {
				return boom
			})).To(MatchError(boom))
			f, _ := arc.Snapshot().Frame(1)
			Expect(f.HasEmbedding()).To(BeFalse())
		})

		It("refuses removed frames", func() {
			Expect(arc.Remove(ctx, 2)).To(Succeed())
			Expect(arc.SetEmbedding(ctx, 2, "", []float32{1}, nil)).To(MatchError(archive.ErrNotFound))
		})
	})

	Describe("Snapshot", func() {
		It("lists metadata without loading images", func() {
			appendN(3)
			frames := arc.Snapshot().Frames(archive.All)
			Expect(frames).To(HaveLen(3))
			Expect(frames[0].Image.Data).To(BeEmpty())
		})

		It("finds the live predecessor of a frame", func() {
			appendN(4)
			Expect(arc.Remove(ctx, 3)).To(Succeed())
			snap := arc.Snapshot()

			prev, ok := snap.Before(4)
			Expect(ok).To(BeTrue())
			Expect(prev.ID).To(Equal(frame.ID(2)))

			_, ok = snap.Before(1)
			Expect(ok).To(BeFalse())
		})

		It("pages live frames from an id", func() {
			appendN(6)
			Expect(arc.Remove(ctx, 3)).To(Succeed())
			snap := arc.Snapshot()

			var ids []frame.ID
			for _, f := range snap.Next(2, 3) {
				ids = append(ids, f.ID)
			}
			Expect(ids).To(Equal([]frame.ID{2, 4, 5}))
			Expect(snap.Next(7, 3)).To(BeEmpty())
		})

		It("counts live frames in a time range", func() {
			appendN(4)
			Expect(arc.Remove(ctx, 2)).To(Succeed())
			snap := arc.Snapshot()
			Expect(snap.CountTime(archive.TimeRange{Since: start.Add(time.Second), Until: start.Add(3 * time.Second)})).To(Equal(2))
			Expect(snap.CountTime(archive.TimeRange{})).To(Equal(3))
		})
	})
})
