package vector_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/captain/pkg/vector"
)

var _ = Describe("Cosine", func() {
	DescribeTable("similarity",
		func(a, b []float32, want float64) {
			Expect(float64(vector.Cosine(a, b))).To(BeNumerically("~", want, 1e-6))
		},
		Entry("identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0),
		Entry("scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1.0),
		Entry("orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0),
		Entry("opposite", []float32{1, 0}, []float32{-1, 0}, -1.0),
		Entry("length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0.0),
		Entry("zero vector", []float32{0, 0}, []float32{1, 0}, 0.0),
	)

	It("normalizes to unit length", func() {
		n := vector.Normalize([]float32{3, 4})
		Expect(float64(n[0])).To(BeNumerically("~", 0.6, 1e-6))
		Expect(float64(n[1])).To(BeNumerically("~", 0.8, 1e-6))
	})
})
