package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/datahub/internal/sidecar"
)

func TestFileNameIsDeterministicAndContained(t *testing.T) {
	store := newTestStore(t, Options{})

	urls := []string{
		"http://example.org/granule.h5.dmrpp",
		"https://example.org/a/../../../etc/passwd",
		"http://example.org/" + strings.Repeat("x", 400),
		"http://example.org/data.hdrs",
		"http://example.org/data.tmp-1",
	}
	for _, url := range urls {
		for _, mangle := range []bool{true, false} {
			first := store.FileName(url, mangle)
			if again := store.FileName(url, mangle); again != first {
				t.Fatalf("file name not stable for %s: %s vs %s", url, first, again)
			}
			if filepath.Dir(first) != store.Dir() {
				t.Fatalf("file name escapes cache dir: %s", first)
			}
			if err := store.checkPath(first); err != nil {
				t.Fatalf("generated name rejected: %v", err)
			}
		}
	}

	if store.FileName(urls[0], true) == store.FileName("http://example.org/granule.h5", true) {
		t.Fatalf("different urls must map to different names")
	}
	if got := filepath.Base(store.FileName("http://a/b.nc", false)); got != "rc_http###a#b.nc" {
		t.Fatalf("unexpected readable name %s", got)
	}
}

func TestCheckPathRejectsForeignFiles(t *testing.T) {
	store := newTestStore(t, Options{})
	for _, path := range []string{
		filepath.Join(t.TempDir(), "rc_x"),
		filepath.Join(store.Dir(), "other_x"),
		filepath.Join(store.Dir(), "rc_x.hdrs"),
		filepath.Join(store.Dir(), "sub", "rc_x"),
	} {
		if _, _, err := store.CreateAndLock(context.Background(), path); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("expected ErrInvalidPath for %s, got %v", path, err)
		}
	}
}

func TestCreateAndLockSingleWriter(t *testing.T) {
	store := newTestStore(t, Options{LockTimeout: 50 * time.Millisecond})
	path := store.FileName("http://example.org/one", true)

	lock, ok, err := store.CreateAndLock(context.Background(), path)
	if err != nil || !ok {
		t.Fatalf("first create should win: ok=%v err=%v", ok, err)
	}
	defer lock.Close()
	if !lock.Exclusive() {
		t.Fatalf("writer should hold exclusive lock")
	}

	if _, ok, err := store.CreateAndLock(context.Background(), path); ok || err != nil {
		t.Fatalf("second create should lose without error: ok=%v err=%v", ok, err)
	}

	if _, _, err := store.GetReadLock(context.Background(), path); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("read lock during write should time out, got %v", err)
	}

	leftovers, _ := filepath.Glob(filepath.Join(store.Dir(), "*"+tempMarker+"*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files should not survive: %v", leftovers)
	}
}

func TestCreateAndLockRaceHasOneWinner(t *testing.T) {
	store := newTestStore(t, Options{})
	path := store.FileName("http://example.org/race", true)

	var winners int32
	locks := make(chan *Lock, 16)
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			lock, ok, err := store.CreateAndLock(context.Background(), path)
			if err != nil {
				return err
			}
			if ok {
				atomic.AddInt32(&winners, 1)
				locks <- lock
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("create error: %v", err)
	}
	close(locks)
	for l := range locks {
		l.Close()
	}
	if winners != 1 {
		t.Fatalf("expected exactly one writer, got %d", winners)
	}
}

func TestDowngradePublishesEntry(t *testing.T) {
	store := newTestStore(t, Options{})
	path := store.FileName("http://example.org/publish", true)

	writer := writeEntry(t, store, path, "payload", []string{"Content-Type: text/plain"})
	if err := writer.Downgrade(); err != nil {
		t.Fatalf("downgrade error: %v", err)
	}
	if writer.Exclusive() {
		t.Fatalf("lock should be shared after downgrade")
	}

	reader, ok, err := store.GetReadLock(context.Background(), path)
	if err != nil || !ok {
		t.Fatalf("reader should share the committed entry: ok=%v err=%v", ok, err)
	}
	if store.heldCount() != 2 {
		t.Fatalf("expected two tracked locks, got %d", store.heldCount())
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if err := writer.Downgrade(); !errors.Is(err, ErrLockReleased) {
		t.Fatalf("downgrade after close should fail, got %v", err)
	}
	reader.Close()
	if store.heldCount() != 0 {
		t.Fatalf("locks should be untracked after close")
	}
}

func TestGetReadLockMissing(t *testing.T) {
	store := newTestStore(t, Options{})
	lock, ok, err := store.GetReadLock(context.Background(), store.FileName("http://example.org/none", true))
	if lock != nil || ok || err != nil {
		t.Fatalf("missing entry should be a plain miss: %v %v %v", lock, ok, err)
	}
}

func TestReaderWaitsForWriterToPublish(t *testing.T) {
	store := newTestStore(t, Options{LockTimeout: 5 * time.Second})
	path := store.FileName("http://example.org/wait", true)

	writer := writeEntry(t, store, path, "body", []string{"Content-Type: text/plain"})

	type outcome struct {
		ok  bool
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		lock, ok, err := store.GetReadLock(context.Background(), path)
		if lock != nil {
			lock.Close()
		}
		done <- outcome{ok, err}
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("reader must not proceed before publication")
	default:
	}

	if err := writer.Downgrade(); err != nil {
		t.Fatalf("downgrade error: %v", err)
	}
	res := <-done
	if res.err != nil || !res.ok {
		t.Fatalf("reader should see committed entry: %+v", res)
	}
	writer.Close()
}

func TestReaderSeesAbandonedWriteAsMiss(t *testing.T) {
	store := newTestStore(t, Options{LockTimeout: 5 * time.Second})
	path := store.FileName("http://example.org/abandon", true)

	lock, ok, err := store.CreateAndLock(context.Background(), path)
	if err != nil || !ok {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := lock.File().WriteString("partial"); err != nil {
		t.Fatalf("write error: %v", err)
	}

	done := make(chan bool, 1)
	go func() {
		l, ok, _ := store.GetReadLock(context.Background(), path)
		if l != nil {
			l.Close()
		}
		done <- ok
	}()

	time.Sleep(50 * time.Millisecond)
	if err := store.Abandon(lock); err != nil {
		t.Fatalf("abandon error: %v", err)
	}
	if <-done {
		t.Fatalf("reader must not observe an abandoned entry")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("abandoned content should be removed, stat err=%v", err)
	}
	if store.heldCount() != 0 {
		t.Fatalf("abandon must release the lock")
	}
}

func TestAbandonLeavesReplacementEntryIntact(t *testing.T) {
	store := newTestStore(t, Options{})
	path := store.FileName("http://example.org/replaced", true)
	lock := writeEntry(t, store, path, "stale", []string{"Content-Type: text/plain"})

	// 名字已被释放并由新写者重新发布。
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(path, []byte("fresh"), 0o644); err != nil {
		t.Fatalf("write replacement: %v", err)
	}
	if err := sidecar.Write(sidecar.Path(path), []string{"Content-Type: application/x-netcdf"}); err != nil {
		t.Fatalf("write replacement sidecar: %v", err)
	}

	if err := store.Abandon(lock); err != nil {
		t.Fatalf("abandon error: %v", err)
	}
	if data, err := os.ReadFile(path); err != nil || string(data) != "fresh" {
		t.Fatalf("replacement content must survive: %q err=%v", data, err)
	}
	lines, err := sidecar.Read(sidecar.Path(path))
	if err != nil || len(lines) != 1 || lines[0] != "Content-Type: application/x-netcdf" {
		t.Fatalf("replacement sidecar must survive: %q err=%v", lines, err)
	}
	if store.heldCount() != 0 {
		t.Fatalf("abandon must release the lock")
	}
}

func TestAbandonRemovesSidecarAndContent(t *testing.T) {
	store := newTestStore(t, Options{})
	path := store.FileName("http://example.org/both", true)
	lock := writeEntry(t, store, path, "body", []string{"Content-Type: text/plain"})

	if err := store.Abandon(lock); err != nil {
		t.Fatalf("abandon error: %v", err)
	}
	for _, p := range []string{path, sidecar.Path(path)} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed, stat err=%v", p, err)
		}
	}
}

func TestAbandonRefusesSharedLock(t *testing.T) {
	store := newTestStore(t, Options{})
	path := store.FileName("http://example.org/committed", true)
	lock := writeEntry(t, store, path, "body", nil)
	if err := lock.Downgrade(); err != nil {
		t.Fatalf("downgrade error: %v", err)
	}
	if err := store.Abandon(lock); err == nil {
		t.Fatalf("abandon on a committed entry should fail")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("committed entry must survive: %v", err)
	}
}

func TestOrphanIsReclaimed(t *testing.T) {
	store := newTestStore(t, Options{})
	path := store.FileName("http://example.org/orphan", true)
	if err := os.WriteFile(path, []byte("half"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	if _, ok, err := store.GetReadLock(context.Background(), path); ok || err != nil {
		t.Fatalf("orphan should read as miss: ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("orphan should be removed")
	}
	lock, ok, err := store.CreateAndLock(context.Background(), path)
	if err != nil || !ok {
		t.Fatalf("writer should win after reclaim: %v", err)
	}
	lock.Close()
}

func TestUpdateCacheInfoAccumulates(t *testing.T) {
	store := newTestStore(t, Options{MaxSize: 1 << 20})
	ctx := context.Background()

	first := commitEntry(t, store, "http://example.org/1", "aaaa", time.Now())
	total, err := store.UpdateCacheInfo(ctx, first)
	if err != nil {
		t.Fatalf("update error: %v", err)
	}
	if total != entrySize(first) {
		t.Fatalf("first total mismatch: %d", total)
	}

	second := commitEntry(t, store, "http://example.org/2", "bbbbbbbb", time.Now())
	total, err = store.UpdateCacheInfo(ctx, second)
	if err != nil {
		t.Fatalf("update error: %v", err)
	}
	if want := entrySize(first) + entrySize(second); total != want {
		t.Fatalf("total mismatch: want %d got %d", want, total)
	}
	if store.TooBig(total) {
		t.Fatalf("small cache should not be too big")
	}

	if err := os.WriteFile(store.infoPath, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt info: %v", err)
	}
	rebuilt, err := store.UpdateCacheInfo(ctx, second)
	if err != nil {
		t.Fatalf("update after corruption: %v", err)
	}
	if rebuilt != total {
		t.Fatalf("rebuilt total should come from a scan: want %d got %d", total, rebuilt)
	}
}

func TestUpdateAndPurgeSkipsLockedAndJustWritten(t *testing.T) {
	store := newTestStore(t, Options{PurgeFactor: 0.01})
	ctx := context.Background()
	now := time.Now()

	oldest := commitEntry(t, store, "http://example.org/oldest", strings.Repeat("a", 64), now.Add(-3*time.Hour))
	middle := commitEntry(t, store, "http://example.org/middle", strings.Repeat("b", 64), now.Add(-2*time.Hour))
	fresh := commitEntry(t, store, "http://example.org/fresh", strings.Repeat("c", 64), now.Add(-4*time.Hour))
	store.maxSize = entrySize(oldest)

	reader, ok, err := store.GetReadLock(ctx, oldest)
	if err != nil || !ok {
		t.Fatalf("reader lock failed: %v", err)
	}
	defer reader.Close()

	result, err := store.UpdateAndPurge(ctx, fresh)
	if err != nil {
		t.Fatalf("purge error: %v", err)
	}
	if result.Removed != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected purge result: %+v", result)
	}
	for _, kept := range []string{oldest, fresh} {
		if _, err := os.Stat(kept); err != nil {
			t.Fatalf("%s should survive purge: %v", filepath.Base(kept), err)
		}
	}
	if _, err := os.Stat(middle); !os.IsNotExist(err) {
		t.Fatalf("unlocked old entry should be evicted")
	}
	if _, err := os.Stat(sidecar.Path(middle)); !os.IsNotExist(err) {
		t.Fatalf("evicted entry's sidecar should be removed")
	}
	if result.After != result.Before-result.Freed {
		t.Fatalf("inconsistent accounting: %+v", result)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if stats.Entries != 2 || stats.TotalBytes != result.After {
		t.Fatalf("stats mismatch: %+v vs %+v", stats, result)
	}
}

func TestUpdateAndPurgeReachesBudget(t *testing.T) {
	store := newTestStore(t, Options{PurgeFactor: 0.2})
	ctx := context.Background()
	now := time.Now()

	var last, oldest string
	for i := 0; i < 5; i++ {
		last = commitEntry(t, store, "http://example.org/"+string(rune('a'+i)), strings.Repeat("x", 100), now.Add(time.Duration(i)*time.Minute))
		if i == 0 {
			oldest = last
		}
	}
	store.maxSize = 3 * entrySize(last)

	result, err := store.UpdateAndPurge(ctx, last)
	if err != nil {
		t.Fatalf("purge error: %v", err)
	}
	if result.After > store.maxSize {
		t.Fatalf("purge should leave total under budget: %+v", result)
	}
	if _, err := os.Stat(last); err != nil {
		t.Fatalf("just written entry must survive")
	}
	for _, p := range []string{oldest, sidecar.Path(oldest)} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("evicted entry should lose %s, stat err=%v", p, err)
		}
	}
	entries, err := store.Entries()
	if err != nil {
		t.Fatalf("entries error: %v", err)
	}
	if len(entries) == 0 || entries[0].Name != filepath.Base(last) {
		t.Fatalf("entries should be newest first: %+v", entries)
	}
}

func TestUpdateAndPurgeWithoutLimit(t *testing.T) {
	store := newTestStore(t, Options{})
	commitEntry(t, store, "http://example.org/keep", "data", time.Now().Add(-time.Hour))
	result, err := store.UpdateAndPurge(context.Background(), "")
	if err != nil {
		t.Fatalf("purge error: %v", err)
	}
	if result.Removed != 0 {
		t.Fatalf("unlimited cache should not purge: %+v", result)
	}
}

func TestUnlockAllReleasesEverything(t *testing.T) {
	store := newTestStore(t, Options{})
	path := store.FileName("http://example.org/unlock", true)
	lock := writeEntry(t, store, path, "x", nil)
	store.UnlockAll()
	if lock.File() != nil {
		t.Fatalf("lock should be released")
	}
	if _, ok, err := store.CreateAndLock(context.Background(), path); ok || err != nil {
		t.Fatalf("file still exists, create must lose: ok=%v err=%v", ok, err)
	}
}

func TestNewStoreRequiresDir(t *testing.T) {
	if _, err := NewStore(Options{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	if _, err := NewStore(Options{Dir: filepath.Join(blocker, "cache")}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for unusable dir, got %v", err)
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	opts.Dir = t.TempDir()
	store, err := NewStore(opts)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(store.UnlockAll)
	return store
}

// writeEntry creates path as writer, fills content and sidecar, and keeps the exclusive lock.
func writeEntry(t *testing.T, store *Store, path, body string, headers []string) *Lock {
	t.Helper()
	lock, ok, err := store.CreateAndLock(context.Background(), path)
	if err != nil || !ok {
		t.Fatalf("create %s: ok=%v err=%v", path, ok, err)
	}
	if _, err := lock.File().WriteString(body); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if err := sidecar.Write(sidecar.Path(path), headers); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	return lock
}

// commitEntry publishes a complete entry and backdates its last access time.
func commitEntry(t *testing.T, store *Store, url, body string, accessed time.Time) string {
	t.Helper()
	path := store.FileName(url, true)
	lock := writeEntry(t, store, path, body, []string{"Content-Type: text/plain"})
	if err := lock.Downgrade(); err != nil {
		t.Fatalf("downgrade: %v", err)
	}
	lock.Close()
	if err := os.Chtimes(sidecar.Path(path), accessed, accessed); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return path
}
