package vectorutils_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/captain/pkg/logger"
	"github.com/papercomputeco/captain/pkg/vector/flat"
	"github.com/papercomputeco/captain/pkg/vector/sqlitevec"
	vectorutils "github.com/papercomputeco/captain/pkg/vector/utils"
)

var _ = Describe("NewVectorDriver", func() {
	It("defaults to the flat driver", func() {
		d, err := vectorutils.NewVectorDriver(context.Background(), &vectorutils.NewVectorDriverOpts{Logger: logger.Nop()})
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(BeAssignableToTypeOf(&flat.Driver{}))
	})

	It("builds a sqlite-vec driver", func() {
		d, err := vectorutils.NewVectorDriver(context.Background(), &vectorutils.NewVectorDriverOpts{
			ProviderType: vectorutils.ProviderSQLiteVec,
			TargetURL:    ":memory:",
			Dimensions:   8,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(BeAssignableToTypeOf(&sqlitevec.SQLiteVecDriver{}))
		Expect(d.Close()).To(Succeed())
	})

	It("rejects unknown providers", func() {
		_, err := vectorutils.NewVectorDriver(context.Background(), &vectorutils.NewVectorDriverOpts{ProviderType: "chroma"})
		Expect(err).To(MatchError("unsupported vector store provider: chroma"))
	})

	DescribeTable("qdrant targets",
		func(target, host string, port int, tls bool) {
			c, err := vectorutils.QdrantConfig(target)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Host).To(Equal(host))
			Expect(c.Port).To(Equal(port))
			Expect(c.UseTLS).To(Equal(tls))
		},
		Entry("bare host", "localhost", "localhost", 0, false),
		Entry("host and port", "qdrant:6334", "qdrant", 6334, false),
		Entry("https url", "https://cloud.qdrant.io:6334", "cloud.qdrant.io", 6334, true),
	)
})
