package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caflabs/packd/pkg/blobstore"
	"github.com/caflabs/packd/pkg/caf"
	"github.com/caflabs/packd/pkg/catalog"
)

// gbFromBytes converts a byte budget into the GB config unit.
func gbFromBytes(b int64) float64 {
	return float64(b) / (1024 * 1024 * 1024)
}

// fakeDelivery records ack/nack calls.
type fakeDelivery struct {
	mu      sync.Mutex
	body    []byte
	acked   bool
	nacked  bool
	requeue bool
}

func newDelivery(taskID, filePath string) *fakeDelivery {
	return &fakeDelivery{
		body: []byte(fmt.Sprintf(`{"task_id":%q,"file_path":%q}`, taskID, filePath)),
	}
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.requeue = requeue
	return nil
}

func (d *fakeDelivery) state() (acked, nacked, requeue bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked, d.requeue
}

// fakeObjects serves source objects from memory.
type fakeObjects struct {
	objects map[string][]byte

	// declaredDelta skews the declared length to provoke size mismatches.
	declaredDelta int64
}

func (s *fakeObjects) OpenStream(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, 0, fmt.Errorf("key %q: object not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)) + s.declaredDelta, nil
}

// fakeBlobs captures uploads in memory.
type fakeBlobs struct {
	mu sync.Mutex

	containers map[string][]byte
	putErr     error

	// blockPut, when set, makes PutContainer wait: entered is signalled on
	// entry and the call returns when release is closed.
	entered chan struct{}
	release chan struct{}
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{containers: make(map[string][]byte)}
}

func (b *fakeBlobs) PutContainer(ctx context.Context, name, localPath string) error {
	if b.entered != nil {
		b.entered <- struct{}{}
		<-b.release
	}
	if b.putErr != nil {
		return b.putErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.containers[name] = data
	return nil
}

func (b *fakeBlobs) GetContainer(ctx context.Context, name, localPath string) error {
	b.mu.Lock()
	data, ok := b.containers[name]
	b.mu.Unlock()
	if !ok {
		return blobstore.ErrNotFound
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (b *fakeBlobs) GetProofs(ctx context.Context, name string) ([]blobstore.Proof, error) {
	return nil, nil
}

func (b *fakeBlobs) uploaded() map[string][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]byte, len(b.containers))
	for k, v := range b.containers {
		out[k] = v
	}
	return out
}

// catalogRow is one recorded Insert call.
type catalogRow struct {
	taskID, filePath, container, workerID string
}

// fakeCatalog records inserts and can inject errors.
type fakeCatalog struct {
	mu        sync.Mutex
	rows      []catalogRow
	insertErr map[string]error // keyed by taskID+"/"+filePath
}

func (c *fakeCatalog) Insert(ctx context.Context, taskID, filePath, containerName, workerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.insertErr[taskID+"/"+filePath]; ok {
		return err
	}
	c.rows = append(c.rows, catalogRow{taskID, filePath, containerName, workerID})
	return nil
}

func (c *fakeCatalog) all() []catalogRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]catalogRow(nil), c.rows...)
}

func newTestPipeline(t *testing.T, cfg Config, objects *fakeObjects, blobs *fakeBlobs, cat *fakeCatalog) *Pipeline {
	t.Helper()
	if cfg.MaxContainerSizeGB == 0 {
		cfg.MaxContainerSizeGB = 1
	}
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "7"
	}
	p, err := New(cfg, objects, blobs, cat, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

// openUploaded writes an uploaded container to disk and loads its index.
func openUploaded(t *testing.T, data []byte) *caf.Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "uploaded.caf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write uploaded container: %v", err)
	}
	r := caf.NewReader(path)
	if err := r.LoadIndex(); err != nil {
		t.Fatalf("uploaded container has invalid index: %v", err)
	}
	return r
}

func TestPipeline_SingleFileFlush(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{
		"photos/cat.jpg": []byte("jpeg bytes here"),
	}}
	blobs := newFakeBlobs()
	cat := &fakeCatalog{}
	p := newTestPipeline(t, Config{}, objects, blobs, cat)

	d := newDelivery("task42", "photos/cat.jpg")
	p.Handle(context.Background(), d)

	// Nothing ships until a trigger fires.
	if acked, nacked, _ := d.state(); acked || nacked {
		t.Fatalf("premature ack/nack: acked=%v nacked=%v", acked, nacked)
	}
	if len(blobs.uploaded()) != 0 {
		t.Fatal("container uploaded before any trigger")
	}

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if acked, _, _ := d.state(); !acked {
		t.Error("delivery not acked after successful handoff")
	}

	uploaded := blobs.uploaded()
	if len(uploaded) != 1 {
		t.Fatalf("uploaded %d containers, want 1", len(uploaded))
	}
	for name, data := range uploaded {
		if !strings.HasPrefix(name, "batch_") || !strings.HasSuffix(name, ".caf") {
			t.Errorf("container name %q does not match batch_<ms>.caf", name)
		}
		r := openUploaded(t, data)
		got, err := r.Extract("task42/photos/cat.jpg")
		if err != nil {
			t.Fatalf("member missing from uploaded container: %v", err)
		}
		if string(got) != "jpeg bytes here" {
			t.Errorf("member bytes = %q", got)
		}

		rows := cat.all()
		if len(rows) != 1 {
			t.Fatalf("catalog has %d rows, want 1", len(rows))
		}
		want := catalogRow{"task42", "photos/cat.jpg", name, "7"}
		if rows[0] != want {
			t.Errorf("catalog row = %+v, want %+v", rows[0], want)
		}
	}

	// The in-flight file is gone from the temp dir.
	entries, err := os.ReadDir(p.cfg.TempDir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "inflight_") {
			t.Errorf("in-flight container %s left behind", e.Name())
		}
	}
}

func TestPipeline_TwoFilesShareContainer(t *testing.T) {
	first := bytes.Repeat([]byte("a"), 100)
	second := bytes.Repeat([]byte("b"), 200)
	objects := &fakeObjects{objects: map[string][]byte{
		"one.bin": first,
		"two.bin": second,
	}}
	blobs := newFakeBlobs()
	cat := &fakeCatalog{}
	p := newTestPipeline(t, Config{}, objects, blobs, cat)

	d1 := newDelivery("t", "one.bin")
	d2 := newDelivery("t", "two.bin")
	p.Handle(context.Background(), d1)
	p.Handle(context.Background(), d2)

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	uploaded := blobs.uploaded()
	if len(uploaded) != 1 {
		t.Fatalf("uploaded %d containers, want 1", len(uploaded))
	}
	for _, data := range uploaded {
		r := openUploaded(t, data)

		rng1, err := r.Metadata("t/one.bin")
		if err != nil {
			t.Fatalf("first member: %v", err)
		}
		if rng1.StartByte != 0 || rng1.EndByte != 100 {
			t.Errorf("first range = [%d, %d), want [0, 100)", rng1.StartByte, rng1.EndByte)
		}

		rng2, err := r.Metadata("t/two.bin")
		if err != nil {
			t.Fatalf("second member: %v", err)
		}
		if rng2.StartByte != 100 || rng2.EndByte != 300 {
			t.Errorf("second range = [%d, %d), want [100, 300)", rng2.StartByte, rng2.EndByte)
		}
	}

	if a1, _, _ := d1.state(); !a1 {
		t.Error("first delivery not acked")
	}
	if a2, _, _ := d2.state(); !a2 {
		t.Error("second delivery not acked")
	}
}

func TestPipeline_CapacityRollover(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 400)
	objects := &fakeObjects{objects: map[string][]byte{
		"f1": payload, "f2": payload, "f3": payload,
	}}
	blobs := newFakeBlobs()
	cat := &fakeCatalog{}
	p := newTestPipeline(t, Config{MaxContainerSizeGB: gbFromBytes(1000)}, objects, blobs, cat)

	d1 := newDelivery("t", "f1")
	d2 := newDelivery("t", "f2")
	d3 := newDelivery("t", "f3")
	p.Handle(context.Background(), d1)
	p.Handle(context.Background(), d2)

	// 800 of 1000 bytes used; the third message does not fit and must
	// roll the container over.
	p.Handle(context.Background(), d3)

	uploaded := blobs.uploaded()
	if len(uploaded) != 1 {
		t.Fatalf("uploaded %d containers after rollover, want 1", len(uploaded))
	}
	for _, data := range uploaded {
		r := openUploaded(t, data)
		members, _ := r.List()
		if len(members) != 2 {
			t.Errorf("first container has %d members, want 2", len(members))
		}
	}

	if a, _, _ := d1.state(); !a {
		t.Error("first delivery not acked after capacity handoff")
	}
	if a, _, _ := d2.state(); !a {
		t.Error("second delivery not acked after capacity handoff")
	}
	if a, n, _ := d3.state(); a || n {
		t.Errorf("third delivery settled early: acked=%v nacked=%v", a, n)
	}

	// The third message ships with the next flush.
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if a, _, _ := d3.state(); !a {
		t.Error("third delivery not acked after flush")
	}
	if len(blobs.uploaded()) != 2 {
		t.Errorf("uploaded %d containers total, want 2", len(blobs.uploaded()))
	}
	if len(cat.all()) != 3 {
		t.Errorf("catalog has %d rows, want 3", len(cat.all()))
	}
}

func TestPipeline_OversizedMessageRejected(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{
		"huge": bytes.Repeat([]byte("x"), 2000),
	}}
	blobs := newFakeBlobs()
	cat := &fakeCatalog{}
	p := newTestPipeline(t, Config{MaxContainerSizeGB: gbFromBytes(1000)}, objects, blobs, cat)

	d := newDelivery("t", "huge")
	p.Handle(context.Background(), d)

	if _, nacked, requeue := d.state(); !nacked || !requeue {
		t.Error("oversized message must be nacked with requeue")
	}
	if len(blobs.uploaded()) != 0 {
		t.Error("no container should ship for an unfittable message")
	}
}

func TestPipeline_BatchLimitTriggersHandoff(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{
		"a": []byte("1"), "b": []byte("2"), "c": []byte("3"),
	}}
	blobs := newFakeBlobs()
	cat := &fakeCatalog{}
	p := newTestPipeline(t, Config{BatchLimit: 3}, objects, blobs, cat)

	deliveries := []*fakeDelivery{
		newDelivery("t", "a"), newDelivery("t", "b"), newDelivery("t", "c"),
	}
	for _, d := range deliveries {
		p.Handle(context.Background(), d)
	}

	if len(blobs.uploaded()) != 1 {
		t.Fatalf("uploaded %d containers, want 1 (batch limit)", len(blobs.uploaded()))
	}
	for _, d := range deliveries {
		if a, _, _ := d.state(); !a {
			t.Error("delivery not acked after batch-limit handoff")
		}
	}
}

func TestPipeline_InactivityTriggersHandoff(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{"a": []byte("data")}}
	blobs := newFakeBlobs()
	cat := &fakeCatalog{}
	p := newTestPipeline(t, Config{InactivityTimeout: 50 * time.Millisecond}, objects, blobs, cat)

	d := newDelivery("t", "a")
	p.Handle(context.Background(), d)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if acked, _, _ := d.state(); acked {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("inactivity timer never shipped the container")
}

func TestPipeline_UploadFailureNacksBatch(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{"a": []byte("data")}}
	blobs := newFakeBlobs()
	blobs.putErr = fmt.Errorf("blob service unavailable")
	cat := &fakeCatalog{}
	p := newTestPipeline(t, Config{}, objects, blobs, cat)

	d := newDelivery("t", "a")
	p.Handle(context.Background(), d)

	if err := p.Flush(context.Background()); err == nil {
		t.Fatal("Flush must surface the upload failure")
	}

	if acked, nacked, requeue := d.state(); acked || !nacked || !requeue {
		t.Errorf("want nack+requeue, got acked=%v nacked=%v requeue=%v", acked, nacked, requeue)
	}
	if len(cat.all()) != 0 {
		t.Error("no catalog rows may exist for a failed upload")
	}
}

func TestPipeline_SizeMismatchPoisonsContainer(t *testing.T) {
	objects := &fakeObjects{
		objects:       map[string][]byte{"a": []byte("aaaa"), "b": []byte("bbbb")},
		declaredDelta: 0,
	}
	blobs := newFakeBlobs()
	cat := &fakeCatalog{}
	p := newTestPipeline(t, Config{}, objects, blobs, cat)

	good := newDelivery("t", "a")
	p.Handle(context.Background(), good)

	// Second object claims more bytes than the stream delivers.
	objects.declaredDelta = 5
	bad := newDelivery("t", "b")
	p.Handle(context.Background(), bad)

	// Both the failing message and the pending one are requeued.
	if _, nacked, requeue := bad.state(); !nacked || !requeue {
		t.Error("failing delivery must be nacked with requeue")
	}
	if _, nacked, requeue := good.state(); !nacked || !requeue {
		t.Error("pending delivery must be nacked when the container is poisoned")
	}
	if len(blobs.uploaded()) != 0 {
		t.Error("poisoned container must not be uploaded")
	}

	// The pipeline recovers with a fresh container.
	objects.declaredDelta = 0
	retry := newDelivery("t", "a")
	p.Handle(context.Background(), retry)
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after recovery failed: %v", err)
	}
	if acked, _, _ := retry.state(); !acked {
		t.Error("pipeline did not recover after poisoned container")
	}
}

func TestPipeline_DuplicateMemberNackedContainerIntact(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{"a": []byte("data")}}
	blobs := newFakeBlobs()
	cat := &fakeCatalog{}
	p := newTestPipeline(t, Config{}, objects, blobs, cat)

	first := newDelivery("t", "a")
	dup := newDelivery("t", "a")
	p.Handle(context.Background(), first)
	p.Handle(context.Background(), dup)

	if _, nacked, _ := dup.state(); !nacked {
		t.Error("duplicate member delivery must be nacked")
	}
	if a, n, _ := first.state(); a || n {
		t.Error("original delivery must stay pending after duplicate rejection")
	}

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if acked, _, _ := first.state(); !acked {
		t.Error("original delivery not acked; duplicate rejection damaged the container")
	}
	if len(cat.all()) != 1 {
		t.Errorf("catalog has %d rows, want 1", len(cat.all()))
	}
}

func TestPipeline_MalformedMessageNacked(t *testing.T) {
	p := newTestPipeline(t, Config{}, &fakeObjects{}, newFakeBlobs(), &fakeCatalog{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "not-json"},
		{"missing task_id", `{"file_path":"a"}`},
		{"missing file_path", `{"task_id":"t"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDelivery{body: []byte(tt.body)}
			p.Handle(context.Background(), d)
			if _, nacked, _ := d.state(); !nacked {
				t.Error("malformed message must be nacked")
			}
		})
	}
}

func TestPipeline_SourceMissingNacked(t *testing.T) {
	p := newTestPipeline(t, Config{}, &fakeObjects{objects: map[string][]byte{}}, newFakeBlobs(), &fakeCatalog{})

	d := newDelivery("t", "missing")
	p.Handle(context.Background(), d)

	if _, nacked, requeue := d.state(); !nacked || !requeue {
		t.Error("missing source must be nacked with requeue")
	}
}

func TestPipeline_BusyRejectionDuringHandoff(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{"a": []byte("data"), "b": []byte("more")}}
	blobs := newFakeBlobs()
	blobs.entered = make(chan struct{}, 1)
	blobs.release = make(chan struct{})
	cat := &fakeCatalog{}
	p := newTestPipeline(t, Config{}, objects, blobs, cat)

	first := newDelivery("t", "a")
	p.Handle(context.Background(), first)

	flushDone := make(chan error, 1)
	go func() { flushDone <- p.Flush(context.Background()) }()

	// Wait until the upload is in flight, then deliver a new message.
	<-blobs.entered
	busy := newDelivery("t", "b")
	p.Handle(context.Background(), busy)

	if _, nacked, requeue := busy.state(); !nacked || !requeue {
		t.Error("delivery during handoff must be nacked with requeue")
	}

	close(blobs.release)
	if err := <-flushDone; err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if acked, _, _ := first.state(); !acked {
		t.Error("first delivery not acked after handoff completed")
	}
}

func TestPipeline_DuplicateCatalogRowStillAcks(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{"a": []byte("data")}}
	blobs := newFakeBlobs()
	cat := &fakeCatalog{insertErr: map[string]error{
		"t/a": fmt.Errorf("wrapped: %w", catalog.ErrDuplicateRecord),
	}}
	p := newTestPipeline(t, Config{}, objects, blobs, cat)

	d := newDelivery("t", "a")
	p.Handle(context.Background(), d)

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// The bytes are durable; a poison row from an earlier partial batch
	// must not fail the whole handoff.
	if acked, _, _ := d.state(); !acked {
		t.Error("delivery not acked despite duplicate catalog row")
	}
	if len(blobs.uploaded()) != 1 {
		t.Errorf("uploaded %d containers, want 1", len(blobs.uploaded()))
	}
}

func TestPipeline_FlushWithNoWriterIsNoop(t *testing.T) {
	p := newTestPipeline(t, Config{}, &fakeObjects{}, newFakeBlobs(), &fakeCatalog{})
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush on idle pipeline failed: %v", err)
	}
}

