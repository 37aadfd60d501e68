package jobcoord_test

import (
	"github.com/dvkhr/jobcoord"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("MemoryStore", func() {
	StoreTestSuite(func() (jobcoord.Store, func()) {
		store := jobcoord.NewMemoryStore()
		return store, func() {
			_ = store.Close()
		}
	})

	It("should reject operations after Close", func() {
		store := jobcoord.NewMemoryStore()
		Expect(store.Close()).To(Succeed())

		err := store.AddJob(nil, newTestJob("job-1", "test", 5))
		Expect(err).To(MatchError(jobcoord.ErrStoreUnavailable))
	})
})
