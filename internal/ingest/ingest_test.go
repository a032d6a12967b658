package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/pipeline"
)

var (
	pdfBytes  = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF\n")
	pngBytes  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	tiffBytes = []byte("II*\x00\x08\x00\x00\x00\x00\x00")
	clerk     = entity.Actor{ID: "clerk-1", Role: constants.RoleIntakeClerk}
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeDocs struct {
	mu   sync.Mutex
	puts map[string]string
	err  error
}

func (f *fakeDocs) Put(_ context.Context, _ entity.Actor, data []byte, _ constants.DocumentKind, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	ref := uuid.NewSHA1(uuid.NameSpaceOID, data).String()
	f.puts[ref] = contentType
	return ref, nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []pipeline.NewJob
}

func (f *fakeJobs) CreateJob(_ context.Context, _ entity.Actor, in pipeline.NewJob) (*entity.FaxJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, in)
	return &entity.FaxJob{ID: uuid.New(), State: constants.StateReceived, DocumentRef: in.DocumentRef}, nil
}

func (f *fakeJobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"pdf", pdfBytes, "application/pdf"},
		{"png", pngBytes, "image/png"},
		{"jpeg", []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), "image/jpeg"},
		{"tiff", tiffBytes, "image/tiff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectContentType(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DetectContentType([]byte("just some text, definitely not a fax"))
	assert.ErrorIs(t, err, common.ErrUnsupportedFormat)
}

func TestService_Submit(t *testing.T) {
	docs, jobs := &fakeDocs{}, &fakeJobs{}
	svc := NewService(docs, jobs, 1024, quiet())

	rc, err := svc.Submit(context.Background(), clerk, Submission{Data: pdfBytes, Destination: "+15550100000", Source: "+15550100001", ExternalFaxID: "ext-1"})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", rc.ContentType)
	assert.Equal(t, constants.StateReceived, rc.State)
	assert.Equal(t, "application/pdf", docs.puts[rc.DocumentRef])
	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, pipeline.NewJob{
		DocumentRef:   rc.DocumentRef,
		ContentType:   "application/pdf",
		Destination:   "+15550100000",
		Source:        "+15550100001",
		ExternalFaxID: "ext-1",
	}, jobs.jobs[0])
}

func TestService_SubmitRejects(t *testing.T) {
	docs, jobs := &fakeDocs{}, &fakeJobs{}
	svc := NewService(docs, jobs, 64, quiet())
	ctx := context.Background()

	_, err := svc.Submit(ctx, clerk, Submission{Destination: "+15550100000"})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	big := append([]byte("%PDF-1.4\n"), make([]byte, 100)...)
	_, err = svc.Submit(ctx, clerk, Submission{Data: big, Destination: "+15550100000"})
	assert.ErrorIs(t, err, common.ErrPayloadTooLarge)

	_, err = svc.Submit(ctx, clerk, Submission{Data: []byte("hello there"), Destination: "+15550100000"})
	assert.ErrorIs(t, err, common.ErrUnsupportedFormat)

	docs.err = common.ErrAccessDenied
	_, err = svc.Submit(ctx, clerk, Submission{Data: pdfBytes, Destination: "+15550100000"})
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	assert.Empty(t, jobs.jobs)
}

func TestService_SubmitBadRoutingStoresNothing(t *testing.T) {
	tests := []struct {
		name string
		sub  Submission
	}{
		{"missing destination", Submission{Data: pdfBytes}},
		{"malformed destination", Submission{Data: pdfBytes, Destination: "fax-me"}},
		{"malformed source", Submission{Data: pdfBytes, Destination: "+15550100000", Source: "12"}},
		{"external id too long", Submission{Data: pdfBytes, Destination: "+15550100000", ExternalFaxID: strings.Repeat("x", 129)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, jobs := &fakeDocs{}, &fakeJobs{}
			_, err := NewService(docs, jobs, 0, quiet()).Submit(context.Background(), clerk, tt.sub)
			assert.ErrorIs(t, err, common.ErrInvalidInput)
			assert.Empty(t, docs.puts)
			assert.Zero(t, jobs.count())
		})
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestFSIngestor_IngestDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.pdf"), pdfBytes)
	writeFile(t, filepath.Join(root, "sub", "b.png"), pngBytes)
	writeFile(t, filepath.Join(root, "notes.txt"), []byte("ignored"))
	writeFile(t, filepath.Join(root, "bad.pdf"), []byte("not really a pdf"))
	writeFile(t, filepath.Join(root, ".hidden", "c.pdf"), pdfBytes)

	jobs := &fakeJobs{}
	ing := NewFSIngestor(NewService(&fakeDocs{}, jobs, 0, quiet()), clerk, "+15550100000", quiet())

	results, stats, err := ing.IngestDirectory(context.Background(), root, true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Matched)
	assert.EqualValues(t, 2, stats.Succeeded)
	assert.EqualValues(t, 1, stats.Failed)
	assert.Len(t, results, 3)
	assert.Equal(t, 2, jobs.count())

	assert.FileExists(t, filepath.Join(root, "a.pdf.done"))
	assert.FileExists(t, filepath.Join(root, "sub", "b.png.done"))
	assert.FileExists(t, filepath.Join(root, "bad.pdf.rejected"))
	assert.FileExists(t, filepath.Join(root, ".hidden", "c.pdf"))
	assert.FileExists(t, filepath.Join(root, "notes.txt"))

	// a second pass finds nothing new
	_, stats, err = ing.IngestDirectory(context.Background(), root, true)
	require.NoError(t, err)
	assert.Zero(t, stats.Matched)
}

func TestFSIngestor_TransientFailureKeepsFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.pdf")
	writeFile(t, path, pdfBytes)

	docs := &fakeDocs{err: common.Transient(assert.AnError)}
	ing := NewFSIngestor(NewService(docs, &fakeJobs{}, 0, quiet()), clerk, "+15550100000", quiet())
	_, err := ing.IngestPath(context.Background(), path)
	require.Error(t, err)
	assert.FileExists(t, path)
}

func TestWatch_IngestsDroppedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "existing.pdf"), pdfBytes)

	jobs := &fakeJobs{}
	ing := NewFSIngestor(NewService(&fakeDocs{}, jobs, 0, quiet()), clerk, "+15550100000", quiet())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, WatchConfig{Roots: []string{root}, InitialScan: true, Debounce: 20 * time.Millisecond}, ing, quiet())
	}()

	require.Eventually(t, func() bool { return jobs.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	writeFile(t, filepath.Join(root, "dropped.png"), pngBytes)
	require.Eventually(t, func() bool { return jobs.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "dropped.png.done"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStartWatcher_RequiresRoots(t *testing.T) {
	_, _, err := StartWatcher(context.Background(), WatchConfig{}, quiet())
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}
