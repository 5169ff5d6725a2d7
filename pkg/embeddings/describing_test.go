package embeddings_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/captain/pkg/embeddings"
	"github.com/papercomputeco/captain/pkg/frame"
	testutils "github.com/papercomputeco/captain/pkg/utils/test"
	"github.com/papercomputeco/captain/pkg/vector"
)

var _ = Describe("DescribingEmbedder", func() {
	var (
		ctx       context.Context
		describer *testutils.MockDescriber
		embedder  *testutils.MockEmbedder
		f         *frame.Frame
	)

	BeforeEach(func() {
		ctx = context.Background()
		describer = &testutils.MockDescriber{Descriptions: map[string]string{"editor": "A code editor showing main.go"}}
		embedder = testutils.NewMockEmbedder()
		f = frame.New(4, time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC), testutils.Bytes("editor"))
	})

	It("requires a text embedder", func() {
		_, err := embeddings.NewDescribingEmbedder(describer, nil)
		Expect(err).To(HaveOccurred())
	})

	It("embeds the caption and the description", func() {
		text := "[Screenshot taken at 07/06/2025 08:09:10]\nA code editor showing main.go"
		embedder.Embeddings[text] = []float32{0.5, 0.5}

		e, err := embeddings.NewDescribingEmbedder(describer, embedder)
		Expect(err).NotTo(HaveOccurred())

		got, err := e.EmbedFrame(ctx, f)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Description).To(Equal("A code editor showing main.go"))
		Expect(got.Vector).To(Equal([]float32{0.5, 0.5}))
	})

	It("reuses an existing description", func() {
		describer.Err = errors.New("should not be called")
		f.Description = "terminal"

		e, err := embeddings.NewDescribingEmbedder(describer, embedder)
		Expect(err).NotTo(HaveOccurred())
		got, err := e.EmbedFrame(ctx, f)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Description).To(Equal("terminal"))
	})

	It("propagates describer failures", func() {
		describer.Err = errors.New("model offline")
		e, err := embeddings.NewDescribingEmbedder(describer, embedder)
		Expect(err).NotTo(HaveOccurred())
		_, err = e.EmbedFrame(ctx, f)
		Expect(err).To(MatchError(ContainSubstring("model offline")))
	})

	It("fails frames without content", func() {
		f.Image = frame.Image{}
		e, err := embeddings.NewDescribingEmbedder(describer, embedder)
		Expect(err).NotTo(HaveOccurred())
		_, err = e.EmbedFrame(ctx, f)
		Expect(err).To(MatchError(vector.ErrEmbedding))
	})

	It("embeds the caption alone without a describer", func() {
		embedder.Embeddings["[Screenshot taken at 07/06/2025 08:09:10]"] = []float32{1}
		e, err := embeddings.NewDescribingEmbedder(nil, embedder)
		Expect(err).NotTo(HaveOccurred())
		got, err := e.EmbedFrame(ctx, f)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Vector).To(Equal([]float32{1}))
	})
})
