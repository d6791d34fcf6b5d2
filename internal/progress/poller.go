package progress

import (
	"context"
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"

	dghttp "github.com/ligustah/dgcart/internal/http"
	"github.com/ligustah/dgcart/internal/metrics"
	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/internal/report"
)

// ErrSuperseded is returned by Poll when a newer poll for the same job was
// issued before this one finished.
var ErrSuperseded = errors.New("progress: superseded by a newer poll")

// Kind is the shape of a Progress value.
type Kind int

const (
	// KindPercent carries a percentage in Percent.
	KindPercent Kind = iota
	// KindComplete is true completion, shown as 100%.
	KindComplete
	// KindQueued means the job waits in the server's queue.
	KindQueued
	// KindStatus carries a status string to show as is.
	KindStatus
	// KindUnavailable means no progress can be shown.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindPercent:
		return "percent"
	case KindComplete:
		return "complete"
	case KindQueued:
		return "queued"
	case KindStatus:
		return "status"
	default:
		return "unavailable"
	}
}

// Progress is what to display for one job.
type Progress struct {
	Kind    Kind
	Percent float64
	Status  string
}

var (
	Complete    = Progress{Kind: KindComplete, Percent: 100}
	Queued      = Progress{Kind: KindQueued}
	Unavailable = Progress{Kind: KindUnavailable}
)

// Percent returns a percentage Progress.
func Percent(v float64) Progress { return Progress{Kind: KindPercent, Percent: v} }

func (p Progress) String() string {
	switch p.Kind {
	case KindPercent, KindComplete:
		return strconv.FormatFloat(p.Percent, 'f', -1, 64) + "%"
	case KindQueued:
		return "queued"
	case KindStatus:
		return p.Status
	default:
		return "unavailable"
	}
}

// Decide returns the progress of job when it can be known without asking
// the server. The second result is true when the server must be asked.
//
// Rules are checked in order: deleted and finished jobs are complete, queued
// jobs are queued, preparing jobs are at 0, jobs without a prepared id are
// unavailable, and restoring or paused jobs need a query. Statuses this
// client does not know are shown as they are.
func Decide(job model.DownloadJob) (Progress, bool) {
	if job.IsDeleted {
		return Complete, false
	}
	switch job.Status {
	case model.StatusComplete, model.StatusExpired:
		return Complete, false
	case model.StatusQueued:
		return Queued, false
	case model.StatusPreparing:
		return Percent(0), false
	}
	if job.PreparedID == "" {
		return Unavailable, false
	}
	switch job.Status {
	case model.StatusRestoring, model.StatusPaused:
		return Progress{}, true
	}
	return Progress{Kind: KindStatus, Status: string(job.Status)}, false
}

// Gateway is the subset of the HTTP client the poller needs.
type Gateway interface {
	GetString(ctx context.Context, url string, query url.Values) (string, error)
}

// Poller asks the IDS how far a job's restore has got. When polls for the
// same job overlap, only the most recently issued one returns a result.
type Poller struct {
	gw      Gateway
	idsURL  string
	report  report.Reporter
	metrics *metrics.Metrics

	mu   sync.Mutex
	seq  uint64
	gens map[int64]uint64
}

// NewPoller creates a Poller. r and m may be nil.
func NewPoller(gw Gateway, idsURL string, r report.Reporter, m *metrics.Metrics) *Poller {
	if r == nil {
		r = report.Discard
	}
	return &Poller{
		gw:      gw,
		idsURL:  idsURL,
		report:  r,
		metrics: m,
		gens:    make(map[int64]uint64),
	}
}

// Poll returns the progress of job. Query failures are reported and give
// Unavailable with a nil error. ErrSuperseded is the only error returned.
func (p *Poller) Poll(ctx context.Context, job model.DownloadJob) (Progress, error) {
	if prog, query := Decide(job); !query {
		p.metrics.ObservePoll(prog.Kind.String())
		return prog, nil
	}

	gen := p.issue(job.ID)
	raw, err := p.gw.GetString(ctx, dghttp.Endpoint(p.idsURL, "getPercentageComplete"),
		url.Values{"preparedId": {job.PreparedID}})
	if !p.settle(job.ID, gen) {
		p.metrics.ObservePoll("superseded")
		return Progress{}, ErrSuperseded
	}
	if err != nil {
		p.report.Report(ctx, "progress.poll", err)
		p.metrics.ObservePoll(KindUnavailable.String())
		return Unavailable, nil
	}

	prog := interpret(job.Status, raw)
	p.metrics.ObservePoll(prog.Kind.String())
	return prog, nil
}

// interpret turns the IDS answer into Progress. Only plain decimal numbers
// count as percentages; anything else, NaN and Inf included, is shown as
// the server sent it. A restoring job never shows 100%: completion is only
// signalled by the job's status.
func interpret(status model.DownloadStatus, raw string) Progress {
	s := strings.TrimSpace(raw)
	if strings.ContainsAny(s, "xX") {
		return Progress{Kind: KindStatus, Status: raw}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return Progress{Kind: KindStatus, Status: raw}
	}
	v = max(v, 0)
	if status == model.StatusRestoring {
		v = min(v, 99)
	}
	return Percent(v)
}

func (p *Poller) issue(id int64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.gens[id] = p.seq
	return p.seq
}

// settle reports whether gen is still the latest poll for id.
func (p *Poller) settle(id int64, gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gens[id] != gen {
		return false
	}
	delete(p.gens, id)
	return true
}
