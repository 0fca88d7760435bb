package invoice

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeClock struct {
	times []time.Time
	i     int
}

func (c *fakeClock) Now() time.Time {
	t := c.times[c.i%len(c.times)]
	c.i++
	return t
}

var _ = Describe("BoltRepository", func() {
	storeBehavior(func(dir string) (Store, error) {
		return NewBoltRepository(filepath.Join(dir, "test.db"))
	})

	When("the clock goes backwards", func() {
		var (
			repo  *BoltRepository
			clock *fakeClock
		)

		BeforeEach(func() {
			later := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			clock = &fakeClock{times: []time.Time{later, later.Add(-time.Hour)}}
			var err error
			repo, err = NewBoltRepositoryWithTime(filepath.Join(GinkgoT().TempDir(), "test.db"), clock)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			repo.Close()
		})

		It("never assigns an earlier processed_at", func() {
			first, err := repo.Save(context.Background(), completeSchema(), StoredFile{Path: "a.pdf"}, "a")
			Expect(err).NotTo(HaveOccurred())
			second, err := repo.Save(context.Background(), completeSchema(), StoredFile{Path: "b.pdf"}, "b")
			Expect(err).NotTo(HaveOccurred())

			Expect(second.ProcessedAt).To(BeTemporally(">=", first.ProcessedAt))

			records, err := repo.QueryAll(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(records[0].ID).To(Equal(second.ID))
		})
	})

	Describe("Close", func() {
		It("should not return an error", func() {
			repo, err := NewBoltRepository(filepath.Join(GinkgoT().TempDir(), "test.db"))
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.Close()).To(Succeed())
		})
	})
})
