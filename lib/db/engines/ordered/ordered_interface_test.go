package ordered

import (
	"testing"

	"github.com/ValentinKolb/dTablet/lib/db"
	dbtesting "github.com/ValentinKolb/dTablet/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "OrderedDB", func() db.KVDB {
		return NewOrderedDB()
	})
}
