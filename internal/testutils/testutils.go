//go:build integration

// Package testutils provides a fake download API and a MinIO bucket for
// integration tests.
package testutils

import (
	"bytes"
	"context"
	"encoding/json"
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

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"

	"github.com/ligustah/dgcart/internal/model"
)

// Session is the only session id FakeAPI accepts.
const Session = "integration-session"

var byID = regexp.MustCompile(`(?i)where download\.id = (\d+)`)

// FakeAPI serves the download API, the IDS and the data API from one
// server. Submitted carts become COMPLETE jobs whose archive is Archive(id).
type FakeAPI struct {
	Server   *httptest.Server
	Facility string

	mu       sync.Mutex
	items    []model.CartItem
	jobs     []model.DownloadJob
	archives map[string][]byte
	percent  map[string]string
	nextItem int64
}

// StartFakeAPI starts a FakeAPI for facility. It is closed on test cleanup.
func StartFakeAPI(t *testing.T, facility string) *FakeAPI {
	t.Helper()
	f := &FakeAPI{
		Facility: facility,
		archives: map[string][]byte{},
		percent:  map[string]string{},
	}
	f.Server = httptest.NewServer(f.routes())
	t.Cleanup(f.Server.Close)
	return f
}

// DownloadAPIURL, IDSURL and APIURL are the base URLs to configure.
func (f *FakeAPI) DownloadAPIURL() string { return f.Server.URL }
func (f *FakeAPI) IDSURL() string         { return f.Server.URL + "/ids" }
func (f *FakeAPI) APIURL() string         { return f.Server.URL + "/api" }

// Archive returns the archive content served for job id.
func Archive(id int64) []byte {
	return bytes.Repeat([]byte(fmt.Sprintf("download-%d;", id)), 1024)
}

// AddJob registers a job directly, bypassing the cart.
func (f *FakeAPI) AddJob(job model.DownloadJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.PreparedID != "" {
		f.archives[job.PreparedID] = Archive(job.ID)
	}
	f.jobs = append(f.jobs, job)
}

// SetPercent sets the getPercentageComplete answer for preparedID.
func (f *FakeAPI) SetPercent(preparedID, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.percent[preparedID] = value
}

// Jobs returns a copy of every job.
func (f *FakeAPI) Jobs() []model.DownloadJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.CloneJobs(f.jobs)
}

// Items returns a copy of the cart.
func (f *FakeAPI) Items() []model.CartItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.CloneItems(f.items)
}

func (f *FakeAPI) routes() http.Handler {
	mux := http.NewServeMux()
	cart := "/user/cart/" + f.Facility

	mux.HandleFunc("GET "+cart, func(w http.ResponseWriter, r *http.Request) {
		f.writeCart(w)
	})
	mux.HandleFunc("POST "+cart+"/cartItems", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		for _, part := range strings.Split(r.PostForm.Get("items"), ",") {
			fields := strings.Fields(part)
			if len(fields) != 2 {
				continue
			}
			id, _ := strconv.ParseInt(fields[1], 10, 64)
			key := model.ItemKey{Type: model.EntityType(fields[0]), ID: id}
			if slices.ContainsFunc(f.items, func(it model.CartItem) bool { return it.Key() == key }) {
				continue
			}
			f.nextItem++
			f.items = append(f.items, model.CartItem{
				ID:         f.nextItem,
				EntityID:   id,
				EntityType: key.Type,
				Name:       key.String(),
			})
		}
		f.mu.Unlock()
		f.writeCart(w)
	})
	mux.HandleFunc("DELETE "+cart+"/cartItems", func(w http.ResponseWriter, r *http.Request) {
		sel := r.URL.Query().Get("items")
		f.mu.Lock()
		if sel == "*" {
			f.items = nil
		} else {
			f.items = slices.DeleteFunc(f.items, func(it model.CartItem) bool { return it.Key().String() == sel })
		}
		f.mu.Unlock()
		f.writeCart(w)
	})
	mux.HandleFunc("POST "+cart+"/submit", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		if len(f.items) == 0 {
			f.mu.Unlock()
			http.Error(w, "cart is empty", http.StatusUnprocessableEntity)
			return
		}
		id := int64(len(f.jobs) + 1)
		job := model.DownloadJob{
			ID:           id,
			PreparedID:   "prepared-" + strconv.FormatInt(id, 10),
			FacilityName: f.Facility,
			FileName:     r.PostForm.Get("fileName"),
			Transport:    r.PostForm.Get("transport"),
			Email:        r.PostForm.Get("email"),
			Status:       model.StatusComplete,
			CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		f.archives[job.PreparedID] = Archive(id)
		f.jobs = append(f.jobs, job)
		res := model.SubmitResult{FacilityName: f.Facility, CartItems: []model.CartItem{}, DownloadID: &id}
		f.items = nil
		f.mu.Unlock()
		writeJSON(w, res)
	})

	list := func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("queryOffset")
		f.mu.Lock()
		defer f.mu.Unlock()
		var out []model.DownloadJob
		for _, j := range f.jobs {
			if m := byID.FindStringSubmatch(offset); m != nil && strconv.FormatInt(j.ID, 10) != m[1] {
				continue
			}
			if strings.Contains(offset, "isDeleted = false") && j.IsDeleted {
				continue
			}
			out = append(out, j)
		}
		writeJSON(w, nonNil(out))
	}
	mux.HandleFunc("GET /user/downloads", list)
	mux.HandleFunc("GET /admin/downloads", list)

	put := func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		value := r.PostForm.Get("value")
		f.mu.Lock()
		defer f.mu.Unlock()
		for i := range f.jobs {
			if f.jobs[i].ID != id {
				continue
			}
			switch r.PathValue("field") {
			case "isDeleted":
				f.jobs[i].IsDeleted = value == "true"
			case "status":
				f.jobs[i].Status = model.DownloadStatus(value)
			}
			return
		}
		http.NotFound(w, r)
	}
	mux.HandleFunc("PUT /user/download/{id}/{field}", put)
	mux.HandleFunc("PUT /admin/download/{id}/{field}", put)

	mux.HandleFunc("GET /user/queue/allowed", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, true)
	})
	mux.HandleFunc("GET /user/getSize", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.URL.Query().Get("entityId"), 10, 64)
		writeJSON(w, id*1000)
	})
	mux.HandleFunc("GET /api/datafiles/count", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 3)
	})
	mux.HandleFunc("GET /api/datafiles/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		writeJSON(w, map[string]int64{"id": id, "fileSize": id * 10})
	})

	mux.HandleFunc("GET /ids/isTwoLevel", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, false)
	})
	mux.HandleFunc("GET /ids/getPercentageComplete", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		v, ok := f.percent[r.URL.Query().Get("preparedId")]
		f.mu.Unlock()
		if !ok {
			v = "100"
		}
		fmt.Fprint(w, v)
	})
	mux.HandleFunc("GET /ids/getData", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		data, ok := f.archives[r.URL.Query().Get("preparedId")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			_ = r.ParseForm()
		}
		if r.FormValue("sessionId") != Session {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (f *FakeAPI) writeCart(w http.ResponseWriter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, model.Cart{FacilityName: f.Facility, UserName: "integration", CartItems: model.CloneItems(f.items)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func nonNil(jobs []model.DownloadJob) []model.DownloadJob {
	if jobs == nil {
		return []model.DownloadJob{}
	}
	return jobs
}

// MinioEnv contains connection information for a MinIO test environment.
type MinioEnv struct {
	Container testcontainers.Container
	BucketURL string
	Endpoint  string
}

// OpenBucket opens the MinIO bucket through gocloud's s3blob driver. The
// caller must import gocloud.dev/blob/s3blob.
func (e *MinioEnv) OpenBucket(ctx context.Context) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, e.BucketURL)
}

// StartMinio starts MinIO with bucketName created. The container is
// terminated on test cleanup.
func StartMinio(t *testing.T, ctx context.Context, bucketName string) *MinioEnv {
	t.Helper()

	const (
		accessKey = "minioadmin"
		secretKey = "minioadmin"
	)

	networkName := fmt.Sprintf("dgcart-minio-%d", time.Now().UnixNano())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{Name: networkName},
	})
	if err != nil {
		t.Fatalf("create network: %v", err)
	}
	t.Cleanup(func() { network.Remove(context.Background()) })

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          "minio/minio:latest",
			ExposedPorts:   []string{"9000/tcp"},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"minio"}},
			Env: map[string]string{
				"MINIO_ROOT_USER":     accessKey,
				"MINIO_ROOT_PASSWORD": secretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate minio: %v", err)
		}
	})

	makeBucket(t, ctx, networkName, accessKey, secretKey, bucketName)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}
	endpoint := fmt.Sprintf("%s:%s", host, port.Port())

	t.Setenv("AWS_ACCESS_KEY_ID", accessKey)
	t.Setenv("AWS_SECRET_ACCESS_KEY", secretKey)

	return &MinioEnv{
		Container: container,
		Endpoint:  endpoint,
		BucketURL: fmt.Sprintf("s3://%s?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1",
			bucketName, endpoint),
	}
}

// makeBucket runs a one-shot minio/mc container that creates bucketName.
func makeBucket(t *testing.T, ctx context.Context, networkName, accessKey, secretKey, bucketName string) {
	t.Helper()

	mc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      "minio/mc:latest",
			Networks:   []string{networkName},
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd: []string{fmt.Sprintf(
				"/usr/bin/mc alias set dg http://minio:9000 %s %s && /usr/bin/mc mb dg/%s; exit 0",
				accessKey, secretKey, bucketName,
			)},
			WaitingFor: wait.ForExit(),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mc container: %v", err)
	}
	defer mc.Terminate(ctx)
}
