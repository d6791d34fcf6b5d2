package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ligustah/dgcart/internal/cache"
	dghttp "github.com/ligustah/dgcart/internal/http"
	"github.com/ligustah/dgcart/internal/metrics"
	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/pkg/queryoffset"
)

var (
	byID  = regexp.MustCompile(`(?i)^where download\.id = (\d+)$`)
	limit = regexp.MustCompile(`LIMIT (\d+), (\d+)$`)
)

// fakeDownloads is a download API backed by a job table.
type fakeDownloads struct {
	mu       sync.Mutex
	jobs     []model.DownloadJob
	failNext []int
	puts     int
	offsets  []string
	// statusOverride is the status the server really assigns on a status
	// change, when set.
	statusOverride model.DownloadStatus
	// gate, when set, blocks PUT requests until it is closed.
	gate     chan struct{}
	inPut    int
	maxInPut int
	// hold blocks PUT requests for one job id until the channel is closed;
	// failFor answers them with a status code instead of applying them.
	hold    map[int64]chan struct{}
	failFor map[int64]int
}

func newFake(n int) *fakeDownloads {
	f := &fakeDownloads{}
	for i := 1; i <= n; i++ {
		f.jobs = append(f.jobs, model.DownloadJob{
			ID:           int64(i),
			FacilityName: "LILS",
			FileName:     fmt.Sprintf("file-%d.zip", i),
			Status:       model.StatusComplete,
		})
	}
	return f
}

func (f *fakeDownloads) handler() http.Handler {
	mux := http.NewServeMux()
	list := func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		offset := r.URL.Query().Get("queryOffset")
		f.offsets = append(f.offsets, offset)
		var out []model.DownloadJob
		switch {
		case byID.MatchString(offset):
			id, _ := strconv.ParseInt(byID.FindStringSubmatch(offset)[1], 10, 64)
			for _, j := range f.jobs {
				if j.ID == id {
					out = append(out, j)
				}
			}
		case offset == DefaultUserOffset:
			for _, j := range f.jobs {
				if !j.IsDeleted {
					out = append(out, j)
				}
			}
		default:
			out = f.jobs
			if m := limit.FindStringSubmatch(offset); m != nil {
				start, _ := strconv.Atoi(m[1])
				count, _ := strconv.Atoi(m[2])
				start = min(start, len(out))
				out = out[start:min(start+count, len(out))]
			}
		}
		if out == nil {
			out = []model.DownloadJob{}
		}
		json.NewEncoder(w).Encode(out)
	}
	mux.HandleFunc("GET /user/downloads", list)
	mux.HandleFunc("GET /admin/downloads", list)

	put := func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.inPut++
		f.maxInPut = max(f.maxInPut, f.inPut)
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		gate, hold := f.gate, f.hold[id]
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if hold != nil {
			<-hold
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		f.inPut--
		f.puts++
		if len(f.failNext) > 0 {
			code := f.failNext[0]
			f.failNext = f.failNext[1:]
			w.WriteHeader(code)
			return
		}
		if code, ok := f.failFor[id]; ok {
			w.WriteHeader(code)
			return
		}
		_ = r.ParseForm()
		value := r.PostForm.Get("value")
		for i := range f.jobs {
			if f.jobs[i].ID != id {
				continue
			}
			switch {
			case strings.HasSuffix(r.URL.Path, "/isDeleted"):
				f.jobs[i].IsDeleted = value == "true"
			case f.statusOverride != "":
				f.jobs[i].Status = f.statusOverride
			default:
				f.jobs[i].Status = model.DownloadStatus(value)
			}
		}
	}
	mux.HandleFunc("PUT /user/download/{id}/isDeleted", put)
	mux.HandleFunc("PUT /admin/download/{id}/isDeleted", put)
	mux.HandleFunc("PUT /admin/download/{id}/status", put)
	return mux
}

// waitInPut blocks until n PUT requests are being held by the server.
func (f *fakeDownloads) waitInPut(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := f.inPut
		f.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d requests in flight", n)
}

func (f *fakeDownloads) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *fakeDownloads) lastOffset() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.offsets) == 0 {
		return ""
	}
	return f.offsets[len(f.offsets)-1]
}

func newTestRegistry(t *testing.T, f *fakeDownloads, pageSize int) (*Registry, *metrics.Metrics) {
	t.Helper()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	m := metrics.New(nil)
	client := dghttp.NewClient(dghttp.DefaultOptions(), dghttp.StaticToken("sess"))
	return New(client, cache.New(), nil, Options{
		DownloadAPIURL: server.URL,
		FacilityName:   "LILS",
		PageSize:       pageSize,
		Metrics:        m,
	}), m
}

func ids(jobs []model.DownloadJob) []int64 {
	out := make([]int64, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestListDefaultOffset(t *testing.T) {
	f := newFake(3)
	f.jobs[1].IsDeleted = true
	r, _ := newTestRegistry(t, f, 0)

	jobs, err := r.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := ids(jobs); !slices.Equal(got, []int64{1, 3}) {
		t.Errorf("expected [1 3], got %v", got)
	}
	if f.lastOffset() != "where download.isDeleted = false" {
		t.Errorf("unexpected offset %q", f.lastOffset())
	}
}

func TestListFailureKeepsLastGood(t *testing.T) {
	f := newFake(2)
	server := httptest.NewServer(f.handler())
	r := New(dghttp.NewClient(dghttp.DefaultOptions(), nil), cache.New(), nil, Options{
		DownloadAPIURL: server.URL,
		FacilityName:   "LILS",
	})
	if _, err := r.List(context.Background(), ""); err != nil {
		t.Fatalf("List: %v", err)
	}
	server.Close()

	jobs, err := r.List(context.Background(), "")
	if err == nil {
		t.Fatal("expected error after server shutdown")
	}
	if len(jobs) != 2 || len(r.Downloads("")) != 2 {
		t.Errorf("expected last good list, got %v", jobs)
	}
}

func TestJob(t *testing.T) {
	r, _ := newTestRegistry(t, newFake(3), 0)

	job, err := r.Job(context.Background(), 2)
	if err != nil || job.ID != 2 {
		t.Fatalf("Job: %+v %v", job, err)
	}
	if _, err := r.Job(context.Background(), 99); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSetDeletedOptimistic(t *testing.T) {
	f := newFake(3)
	r, _ := newTestRegistry(t, f, 0)
	r.cache.SetStaleness(userKeyPrefix, cache.Forever)
	ctx := context.Background()
	_, _ = r.List(ctx, "")
	_, _ = r.List(ctx, "where download.id = 1")

	key := userKey(DefaultUserOffset)
	if r.cache.Stale(key) {
		t.Fatal("user listing should be fresh after a fetch")
	}

	if err := r.SetDeleted(ctx, 2, true); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}
	if got := ids(r.Downloads("")); !slices.Equal(got, []int64{1, 3}) {
		t.Errorf("expected [1 3], got %v", got)
	}
	if !r.cache.Stale(key) {
		t.Error("user listing should be stale after a mutation")
	}
	if !r.cache.Stale(userKey("where download.id = 1")) {
		t.Error("every user listing should be stale after a mutation")
	}
}

func TestSetDeletedRollback(t *testing.T) {
	f := newFake(3)
	f.failNext = []int{http.StatusInternalServerError}
	r, m := newTestRegistry(t, f, 0)
	ctx := context.Background()
	_, _ = r.List(ctx, "")

	err := r.SetDeleted(ctx, 2, true)
	if !errors.Is(err, dghttp.ErrServerError) {
		t.Fatalf("expected server error, got %v", err)
	}
	if got := ids(r.Downloads("")); !slices.Equal(got, []int64{1, 2, 3}) {
		t.Errorf("expected rollback to [1 2 3], got %v", got)
	}
	if got := testutil.ToFloat64(m.Rollbacks.WithLabelValues("downloads.set_deleted")); got != 1 {
		t.Errorf("expected 1 rollback, got %v", got)
	}
}

func TestSetDeletedRetriesTransient(t *testing.T) {
	f := newFake(2)
	f.failNext = []int{431, 431}
	r, _ := newTestRegistry(t, f, 0)

	if err := r.SetDeleted(context.Background(), 1, true); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}
	if n := f.putCount(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestRestoreMergesJob(t *testing.T) {
	f := newFake(3)
	f.jobs[2].IsDeleted = true
	r, _ := newTestRegistry(t, f, 0)
	ctx := context.Background()
	_, _ = r.List(ctx, "")

	if got := ids(r.Downloads("")); !slices.Equal(got, []int64{1, 2}) {
		t.Fatalf("expected [1 2] before restore, got %v", got)
	}
	if err := r.SetDeleted(ctx, 3, false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := r.Downloads("")
	if !slices.Equal(ids(got), []int64{1, 2, 3}) {
		t.Errorf("expected [1 2 3] after restore, got %v", ids(got))
	}
	if got[2].IsDeleted {
		t.Error("expected restored job to carry the server's state")
	}
}

func TestSetDeletedRollbackKeepsOtherJobs(t *testing.T) {
	f := newFake(3)
	f.hold = map[int64]chan struct{}{1: make(chan struct{})}
	f.failFor = map[int64]int{1: http.StatusInternalServerError}
	r, _ := newTestRegistry(t, f, 0)
	ctx := context.Background()
	_, _ = r.List(ctx, "")

	errc := make(chan error, 1)
	go func() { errc <- r.SetDeleted(ctx, 1, true) }()
	f.waitInPut(t, 1)

	if err := r.SetDeleted(ctx, 2, true); err != nil {
		t.Fatalf("delete of job 2: %v", err)
	}
	close(f.hold[1])
	if err := <-errc; !errors.Is(err, dghttp.ErrServerError) {
		t.Fatalf("expected server error for job 1, got %v", err)
	}

	if got := ids(r.Downloads("")); !slices.Equal(got, []int64{1, 3}) {
		t.Errorf("expected job 1 back and job 2 gone, got %v", got)
	}
}

func TestReinsertJob(t *testing.T) {
	jobs := []model.DownloadJob{{ID: 1}, {ID: 3}}
	tests := []struct {
		name string
		job  model.DownloadJob
		at   int
		want []int64
	}{
		{"original index", model.DownloadJob{ID: 2}, 1, []int64{1, 2, 3}},
		{"list shrank", model.DownloadJob{ID: 9}, 5, []int64{1, 3, 9}},
		{"already present", model.DownloadJob{ID: 3}, 0, []int64{1, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ids(reinsertJob(jobs, tt.job, tt.at)); !slices.Equal(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
	if !slices.Equal(ids(jobs), []int64{1, 3}) {
		t.Errorf("input modified: %v", ids(jobs))
	}
}

func TestSameIDMutationsSerialized(t *testing.T) {
	f := newFake(3)
	f.gate = make(chan struct{})
	r, _ := newTestRegistry(t, f, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.SetDeleted(ctx, 1, true)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.SetDeleted(ctx, 2, true)
	}()

	// let both ids reach the server
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := f.inPut
		f.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxInPut != 2 {
		t.Errorf("expected one request per id in flight, saw %d", f.maxInPut)
	}
	if f.puts != 4 {
		t.Errorf("expected 4 requests, got %d", f.puts)
	}
}

func TestAdminPagination(t *testing.T) {
	f := newFake(5)
	r, _ := newTestRegistry(t, f, 2)
	ctx := context.Background()

	state := queryoffset.State{Sort: queryoffset.NewSort(queryoffset.SortEntry{Column: "createdAt", Direction: queryoffset.Desc})}
	ps, err := r.AdminList(ctx, state)
	if err != nil {
		t.Fatalf("AdminList: %v", err)
	}
	if f.lastOffset() != "WHERE download.facilityName = 'LILS' ORDER BY download.createdAt desc, download.id ASC LIMIT 0, 2" {
		t.Errorf("unexpected first offset %q", f.lastOffset())
	}
	if ps.Len() != 2 {
		t.Errorf("expected 2 jobs, got %d", ps.Len())
	}

	// the state changed between pages; the new page uses the new state
	state.Filters = state.Filters.Set("isDeleted", queryoffset.BooleanFilter{Value: false})
	ps, err = r.FetchNextPage(ctx, state, Range{})
	if err != nil {
		t.Fatalf("FetchNextPage: %v", err)
	}
	want := "WHERE download.facilityName = 'LILS' AND download.isDeleted = 'false' ORDER BY download.createdAt desc, download.id ASC LIMIT 2, 2"
	if f.lastOffset() != want {
		t.Errorf("unexpected second offset %q", f.lastOffset())
	}
	if got := ids(ps.Jobs()); !slices.Equal(got, []int64{1, 2, 3, 4}) {
		t.Errorf("expected [1 2 3 4], got %v", got)
	}
	if len(ps.Pages()) != 2 {
		t.Errorf("expected 2 pages, got %d", len(ps.Pages()))
	}
}

func TestAdminSetStatusRefreshesRecord(t *testing.T) {
	f := newFake(4)
	f.statusOverride = model.StatusQueued
	r, _ := newTestRegistry(t, f, 2)
	r.cache.SetStaleness(adminKey, cache.Forever)
	ctx := context.Background()
	_, _ = r.AdminList(ctx, queryoffset.State{})
	_, _ = r.FetchNextPage(ctx, queryoffset.State{}, Range{})
	if r.cache.Stale(adminKey) {
		t.Fatal("admin listing should be fresh after a fetch")
	}

	if err := r.AdminSetStatus(ctx, 3, model.StatusRestoring); err != nil {
		t.Fatalf("AdminSetStatus: %v", err)
	}
	job, ok := r.AdminPages().Find(3)
	if !ok {
		t.Fatal("job 3 missing")
	}
	if job.Status != model.StatusQueued {
		t.Errorf("expected server status QUEUED to win over the guess, got %s", job.Status)
	}
	if f.lastOffset() != "WHERE download.id = 3" {
		t.Errorf("expected single record refetch, got %q", f.lastOffset())
	}
	if !r.cache.Stale(adminKey) {
		t.Error("admin listing should be stale after a mutation")
	}
}

func TestAdminRollbackRestoresAllPages(t *testing.T) {
	f := newFake(4)
	r, m := newTestRegistry(t, f, 2)
	r.cache.SetStaleness(adminKey, cache.Forever)
	ctx := context.Background()
	_, _ = r.AdminList(ctx, queryoffset.State{})
	_, _ = r.FetchNextPage(ctx, queryoffset.State{}, Range{})
	before := r.AdminPages().Pages()
	if r.cache.Stale(adminKey) {
		t.Fatal("admin listing should be fresh after a fetch")
	}

	f.failNext = []int{http.StatusForbidden}
	if err := r.AdminSetDeleted(ctx, 4, true); !errors.Is(err, dghttp.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	after := r.AdminPages().Pages()
	if len(after) != len(before) {
		t.Fatalf("expected %d pages, got %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Range != after[i].Range || !slices.Equal(ids(before[i].Jobs), ids(after[i].Jobs)) {
			t.Errorf("page %d changed: %+v vs %+v", i, before[i], after[i])
		}
		for j := range after[i].Jobs {
			if after[i].Jobs[j].IsDeleted {
				t.Errorf("job %d should not be deleted after rollback", after[i].Jobs[j].ID)
			}
		}
	}
	if got := testutil.ToFloat64(m.Rollbacks.WithLabelValues("admin.set_deleted")); got != 1 {
		t.Errorf("expected 1 rollback, got %v", got)
	}
	if !r.cache.Stale(adminKey) {
		t.Error("admin listing should be stale after a failed mutation")
	}
}

func TestAdminRollbackKeepsOtherJobs(t *testing.T) {
	f := newFake(4)
	f.hold = map[int64]chan struct{}{1: make(chan struct{})}
	f.failFor = map[int64]int{1: http.StatusInternalServerError}
	r, _ := newTestRegistry(t, f, 2)
	ctx := context.Background()
	_, _ = r.AdminList(ctx, queryoffset.State{})
	_, _ = r.FetchNextPage(ctx, queryoffset.State{}, Range{})

	errc := make(chan error, 1)
	go func() { errc <- r.AdminSetDeleted(ctx, 1, true) }()
	f.waitInPut(t, 1)

	if err := r.AdminSetStatus(ctx, 3, model.StatusPaused); err != nil {
		t.Fatalf("status change of job 3: %v", err)
	}
	close(f.hold[1])
	if err := <-errc; !errors.Is(err, dghttp.ErrServerError) {
		t.Fatalf("expected server error for job 1, got %v", err)
	}

	ps := r.AdminPages()
	if job, _ := ps.Find(1); job.IsDeleted {
		t.Error("job 1 should be rolled back")
	}
	if job, _ := ps.Find(3); job.Status != model.StatusPaused {
		t.Errorf("job 3 should keep its confirmed status, got %s", job.Status)
	}
}

func TestAdminRestore(t *testing.T) {
	f := newFake(2)
	f.jobs[0].IsDeleted = true
	f.jobs[0].Status = model.StatusExpired
	r, _ := newTestRegistry(t, f, 50)
	ctx := context.Background()
	_, _ = r.AdminList(ctx, queryoffset.State{})

	if err := r.AdminRestore(ctx, 1); err != nil {
		t.Fatalf("AdminRestore: %v", err)
	}
	job, _ := r.AdminPages().Find(1)
	if job.IsDeleted || job.Status != model.StatusRestoring {
		t.Errorf("expected restored RESTORING job, got %+v", job)
	}
}

func TestRefetchReplacesPages(t *testing.T) {
	f := newFake(4)
	r, _ := newTestRegistry(t, f, 2)
	ctx := context.Background()
	_, _ = r.AdminList(ctx, queryoffset.State{})
	_, _ = r.FetchNextPage(ctx, queryoffset.State{}, Range{})

	f.mu.Lock()
	f.jobs[3].Status = model.StatusPaused
	f.mu.Unlock()

	ps, err := r.Refetch(ctx, queryoffset.State{})
	if err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if len(ps.Pages()) != 2 {
		t.Errorf("expected 2 pages, got %d", len(ps.Pages()))
	}
	if job, _ := ps.Find(4); job.Status != model.StatusPaused {
		t.Errorf("expected refreshed status, got %s", job.Status)
	}
}
