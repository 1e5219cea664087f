package testing

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dTablet/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs the conformance suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("SetEIfUnset", func(t *testing.T) {
			testSetEIfUnset(t, factory())
		})

		t.Run("CompareAndSet", func(t *testing.T) {
			testCompareAndSet(t, factory())
		})

		t.Run("Deletion time", func(t *testing.T) {
			testDeleteAt(t, factory())
		})

		t.Run("Scan", func(t *testing.T) {
			testScan(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("Concurrent", func(t *testing.T) {
			testConcurrent(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	database.Set("key1", []byte("value1"), 1)
	val, ok := database.Get("key1", 0)
	if !ok || !bytes.Equal(val, []byte("value1")) {
		t.Fatalf("Get(key1) = %q, %v; want value1, true", val, ok)
	}

	database.Set("key1", []byte("value2"), 2)
	val, _ = database.Get("key1", 0)
	if !bytes.Equal(val, []byte("value2")) {
		t.Errorf("Get(key1) after overwrite = %q; want value2", val)
	}

	if _, ok := database.Get("missing", 0); ok {
		t.Error("Get(missing) should not find a value")
	}
	if database.WriteIdx() != 2 {
		t.Errorf("WriteIdx() = %d; want 2", database.WriteIdx())
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	database.Set("key", []byte("value"), 1)
	database.Delete("key", 2)
	if database.Has("key", 0) {
		t.Error("key should be deleted")
	}

	// deleting a missing key is a no-op
	database.Delete("missing", 3)
	if database.WriteIdx() != 3 {
		t.Errorf("WriteIdx() = %d; want 3", database.WriteIdx())
	}
}

func testSetEIfUnset(t *testing.T, database db.KVDB) {
	defer database.Close()

	if !database.SetEIfUnset("lock", []byte("a"), 1, 0, 0) {
		t.Fatal("first SetEIfUnset should succeed")
	}
	if database.SetEIfUnset("lock", []byte("b"), 2, 0, 0) {
		t.Fatal("second SetEIfUnset should fail")
	}
	val, _ := database.Get("lock", 0)
	if !bytes.Equal(val, []byte("a")) {
		t.Errorf("value = %q; want a", val)
	}

	// an entry past its deletion time does not block
	database.SetE("ttl", []byte("old"), 3, 100)
	if !database.SetEIfUnset("ttl", []byte("new"), 4, 0, 100) {
		t.Error("SetEIfUnset should replace a dead entry")
	}
}

func testCompareAndSet(t *testing.T, database db.KVDB) {
	defer database.Close()

	if !database.CompareAndSet("k", nil, []byte("v1"), 1, 0, 0) {
		t.Fatal("CAS on absent key with nil expectation should succeed")
	}
	if database.CompareAndSet("k", nil, []byte("v2"), 2, 0, 0) {
		t.Fatal("CAS with nil expectation on present key should fail")
	}
	if database.CompareAndSet("k", []byte("wrong"), []byte("v2"), 3, 0, 0) {
		t.Fatal("CAS with wrong expectation should fail")
	}
	if !database.CompareAndSet("k", []byte("v1"), []byte("v2"), 4, 0, 0) {
		t.Fatal("CAS with matching expectation should succeed")
	}
	val, _ := database.Get("k", 0)
	if !bytes.Equal(val, []byte("v2")) {
		t.Errorf("value = %q; want v2", val)
	}
}

func testDeleteAt(t *testing.T, database db.KVDB) {
	defer database.Close()

	database.SetE("a", []byte("1"), 1, 1000)
	database.SetE("b", []byte("2"), 2, 0)

	if !database.Has("a", 999) {
		t.Error("a should be alive before its deletion time")
	}
	if database.Has("a", 1000) {
		t.Error("a should be gone at its deletion time")
	}
	if n := database.GarbageCollect(2000); n != 1 {
		t.Errorf("GarbageCollect removed %d entries; want 1", n)
	}
	if database.GetInfo().Entries != 1 {
		t.Errorf("Entries = %d; want 1", database.GetInfo().Entries)
	}
}

func testScan(t *testing.T, database db.KVDB) {
	defer database.Close()

	for i, k := range []string{"/t/b", "/t/a", "/u/a", "/t/c", "/s"} {
		database.Set(k, []byte(k), uint64(i+1))
	}
	database.SetE("/t/dead", []byte("x"), 10, 5)

	res := database.Scan("/t/", 10, 0)
	if len(res) != 3 {
		t.Fatalf("Scan returned %d entries; want 3", len(res))
	}
	for i, want := range []string{"/t/a", "/t/b", "/t/c"} {
		if res[i].Key != want {
			t.Errorf("res[%d] = %s; want %s", i, res[i].Key, want)
		}
	}

	if res := database.Scan("/t/", 10, 2); len(res) != 2 {
		t.Errorf("Scan with limit returned %d entries; want 2", len(res))
	}
	if res := database.Scan("", 10, 0); len(res) != 5 {
		t.Errorf("Scan of everything returned %d entries; want 5", len(res))
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	src := factory()
	defer src.Close()
	for i := 0; i < 100; i++ {
		src.SetE(fmt.Sprintf("key-%03d", i), []byte(fmt.Sprintf("value-%d", i)), uint64(i+1), uint64(i%2)*5000)
	}

	var buf bytes.Buffer
	if err := src.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	dst := factory()
	defer dst.Close()
	dst.Set("stale", []byte("x"), 1)
	if err := dst.Load(&buf); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if dst.Has("stale", 0) {
		t.Error("Load should replace the existing content")
	}
	if dst.WriteIdx() != 100 {
		t.Errorf("WriteIdx() = %d; want 100", dst.WriteIdx())
	}
	val, ok := dst.Get("key-042", 0)
	if !ok || string(val) != "value-42" {
		t.Errorf("Get(key-042) = %q, %v", val, ok)
	}
	if dst.Has("key-041", 6000) {
		t.Error("deletion time should survive Save/Load")
	}

	if err := dst.Load(bytes.NewReader([]byte("garbage"))); err == nil {
		t.Error("Load of invalid data should fail")
	}
}

func testConcurrent(t *testing.T, database db.KVDB) {
	defer database.Close()

	var wg sync.WaitGroup
	winners := make(chan int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if database.SetEIfUnset("contended", []byte{byte(i)}, uint64(i+1), 0, 0) {
				winners <- i
			}
			database.Set(fmt.Sprintf("own-%d", i), []byte("x"), uint64(i+100))
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Errorf("%d goroutines won SetEIfUnset; want exactly 1", count)
	}
	if n := len(database.Scan("own-", 0, 0)); n != 16 {
		t.Errorf("found %d own keys; want 16", n)
	}
}
