package jobcoord_test

import (
	"os"
	"path/filepath"

	"github.com/dvkhr/jobcoord"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SQLiteStore", func() {
	StoreTestSuite(func() (jobcoord.Store, func()) {
		tmpDir, err := os.MkdirTemp("", "jobcoord_sqlite_*")
		Expect(err).NotTo(HaveOccurred())

		store, err := jobcoord.NewSQLiteStore(filepath.Join(tmpDir, "jobs.db"), testLogger())
		Expect(err).NotTo(HaveOccurred())

		return store, func() {
			_ = store.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})
})
