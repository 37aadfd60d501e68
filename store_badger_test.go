package jobcoord_test

import (
	"os"

	"github.com/dvkhr/jobcoord"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BadgerStore", func() {
	StoreTestSuite(func() (jobcoord.Store, func()) {
		tmpDir, err := os.MkdirTemp("", "jobcoord_badger_*")
		Expect(err).NotTo(HaveOccurred())

		store, err := jobcoord.NewBadgerStore(tmpDir, testLogger())
		Expect(err).NotTo(HaveOccurred())

		return store, func() {
			_ = store.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})
})
