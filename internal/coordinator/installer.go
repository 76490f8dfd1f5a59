package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dreamware/ferry/internal/cluster"
	"github.com/dreamware/ferry/internal/dispatch"
	"github.com/dreamware/ferry/internal/executable"
)

// InstallerConfig is the retry policy of broadcasts.
type InstallerConfig struct {
	// MaxAttempts bounds the broadcasts of one operation, the first included.
	MaxAttempts uint64
	// InitialInterval and MaxInterval shape the exponential wait between attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultInstallerConfig() InstallerConfig {
	return InstallerConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Attempt is one broadcast round of an install.
type Attempt struct {
	Number    int              `json:"number"`
	Contacted []string         `json:"contacted"`
	Responses []cluster.Status `json:"responses"`
}

// Report describes what an install did, also when it failed.
type Report struct {
	Name      string             `json:"name"`
	RequestID uint64             `json:"request_id,omitempty"`
	Files     []string           `json:"files,omitempty"`
	Attempts  []Attempt          `json:"attempts"`
	Pending   []cluster.NodeInfo `json:"pending"`
	Installed bool               `json:"installed"`
}

// Installer distributes artifacts from the coordinator's staging area to the
// nodes and promotes them into the coordinator's own library once every
// node confirmed.
type Installer struct {
	manager    *executable.Manager
	dispatcher *dispatch.Dispatcher
	catalog    *Catalog
	logger     *zap.SugaredLogger
	config     InstallerConfig

	mu       sync.Mutex
	inflight map[string]bool
}

func NewInstaller(
	manager *executable.Manager,
	dispatcher *dispatch.Dispatcher,
	catalog *Catalog,
	config InstallerConfig,
	logger *zap.SugaredLogger,
) *Installer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 1
	}
	return &Installer{
		manager:    manager,
		dispatcher: dispatcher,
		catalog:    catalog,
		logger:     logger,
		config:     config,
		inflight:   make(map[string]bool),
	}
}

// Install stages uris, sends every staged file to targets and, once no node
// is pending, promotes the staging directory to {libRoot}/{name}.
//
// Nodes that did not confirm are retried with exponential backoff; only
// those nodes are contacted again. If some remain pending after the last
// attempt the staging directory is discarded and a *PendingError is
// returned. The report is returned in every case.
func (i *Installer) Install(ctx context.Context, name string, uris []string, targets []cluster.NodeInfo) (*Report, error) {
	report := &Report{Name: name, Attempts: []Attempt{}, Pending: []cluster.NodeInfo{}}
	if err := i.reserve(name); err != nil {
		return report, err
	}
	defer i.release(name)

	res, err := i.manager.Request(ctx, uris)
	if err != nil {
		return report, err
	}
	report.RequestID = res.RequestID

	req, err := i.serialize(res, name)
	if err != nil {
		i.manager.Discard(res)
		return report, err
	}
	for _, f := range req.Files {
		report.Files = append(report.Files, f.FileName)
	}

	pending := dispatch.NewPendingNodes(targets)
	if err := i.broadcast(ctx, req, pending, report); err != nil {
		report.Pending = pending.Snapshot()
		i.manager.Discard(res)
		i.logger.Errorf("Install of %q failed: %s", name, err)
		return report, err
	}

	if err := i.manager.PromoteDirectory(res, name); err != nil {
		i.manager.Discard(res)
		return report, err
	}
	report.Installed = true

	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.ID)
	}
	entry := Entry{
		Name:        name,
		Files:       report.Files,
		Sources:     uris,
		Nodes:       ids,
		RequestID:   res.RequestID,
		InstalledAt: time.Now().UTC(),
	}
	if err := i.catalog.Put(entry); err != nil {
		return report, err
	}

	i.logger.Infof("Installed %q on %d node(s) after %d attempt(s)", name, len(targets), len(report.Attempts))
	return report, nil
}

// serialize reads every staged file into a load request.
func (i *Installer) serialize(res *executable.Resource, name string) (cluster.LoadArtifactRequest, error) {
	req := cluster.LoadArtifactRequest{Name: name}
	files, err := i.manager.ListStaged(res)
	if err != nil {
		return req, err
	}
	for _, f := range files {
		buf, err := i.manager.ReadBuffer(i.manager.StagedFile(res, f))
		if err != nil {
			return req, err
		}
		req.Files = append(req.Files, cluster.ArtifactFile{FileName: f, Content: buf})
	}
	return req, nil
}

// broadcast sends req to every pending node until none is left or the retry
// policy gives up.
func (i *Installer) broadcast(ctx context.Context, req cluster.LoadArtifactRequest, pending *dispatch.PendingNodes, report *Report) error {
	kind := cluster.RequestLoadArtifact

	operation := func() error {
		attempt := Attempt{Number: len(report.Attempts) + 1, Contacted: pending.IDs()}
		responses := dispatch.NewResponses()
		err := i.dispatcher.Merge(ctx, kind, req, pending, responses)
		attempt.Responses = responses.Snapshot()
		report.Attempts = append(report.Attempts, attempt)
		if err != nil {
			return backoff.Permanent(err)
		}
		if pending.Len() == 0 {
			return nil
		}
		return newPendingError(kind, pending.Snapshot(), failureCause(attempt.Responses))
	}
	notify := func(err error, wait time.Duration) {
		i.logger.Warnf("Retrying %s of %q in %s: %s", kind, req.Name, wait, err)
	}
	return backoff.RetryNotify(operation, i.policy(ctx), notify)
}

func (i *Installer) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if i.config.InitialInterval > 0 {
		b.InitialInterval = i.config.InitialInterval
	}
	if i.config.MaxInterval > 0 {
		b.MaxInterval = i.config.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, i.config.MaxAttempts-1), ctx)
}

// failureCause finds the synthesized transport failure naming a node.
// Nodes that answered with a non-success code leave no record.
func failureCause(records []cluster.Status) func(cluster.NodeInfo) error {
	return func(n cluster.NodeInfo) error {
		for _, r := range records {
			if !r.IsSuccess() && strings.Contains(r.Message, n.String()) {
				return r.Err()
			}
		}
		return nil
	}
}

// Uninstall asks every target to drop name and removes the coordinator's
// library copy once all of them confirmed. Otherwise nothing is removed
// locally so the call can be repeated; the per-node verdicts are returned
// in both cases.
func (i *Installer) Uninstall(ctx context.Context, name string, targets []cluster.NodeInfo) (map[string]cluster.Status, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if err := i.reserveExisting(name); err != nil {
		return nil, err
	}
	defer i.release(name)

	_, _, err := i.catalog.Get(name)
	if err != nil {
		return nil, err
	}

	pending := dispatch.NewPendingNodes(targets)
	statuses := dispatch.NewNodeStatuses()
	req := cluster.DropArtifactRequest{Name: name}
	if err := i.dispatcher.Collect(ctx, cluster.RequestDropArtifact, req, pending, statuses); err != nil {
		return statuses.Snapshot(), err
	}
	if pending.Len() > 0 {
		err := newPendingError(cluster.RequestDropArtifact, pending.Snapshot(), func(n cluster.NodeInfo) error {
			if s, ok := statuses.Get(n.ID); ok {
				return s.Err()
			}
			return nil
		})
		return statuses.Snapshot(), err
	}

	if err := i.manager.RemoveFromLibrary(name); err != nil {
		return statuses.Snapshot(), err
	}
	if err := i.catalog.Delete(name); err != nil {
		return statuses.Snapshot(), err
	}
	i.logger.Infof("Uninstalled %q from %d node(s)", name, len(targets))
	return statuses.Snapshot(), nil
}

// Installed lists the catalog.
func (i *Installer) Installed() ([]Entry, error) {
	return i.catalog.List()
}

// reserve claims name for an install: it must be neither installed nor
// being worked on.
func (i *Installer) reserve(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.inflight[name] {
		return fmt.Errorf("%w: %q is being modified", ErrAlreadyInstalled, name)
	}
	if installed, err := i.isInstalled(name); err != nil {
		return err
	} else if installed {
		return fmt.Errorf("%w: %q", ErrAlreadyInstalled, name)
	}
	i.inflight[name] = true
	return nil
}

// reserveExisting claims an installed name for removal.
func (i *Installer) reserveExisting(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.inflight[name] {
		return fmt.Errorf("%w: %q is being modified", ErrAlreadyInstalled, name)
	}
	if installed, err := i.isInstalled(name); err != nil {
		return err
	} else if !installed {
		return fmt.Errorf("%w: %q", ErrNotInstalled, name)
	}
	i.inflight[name] = true
	return nil
}

func (i *Installer) release(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.inflight, name)
}

func (i *Installer) isInstalled(name string) (bool, error) {
	if _, ok, err := i.catalog.Get(name); err != nil || ok {
		return ok, err
	}
	return i.manager.ExistsInLibrary(name)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: artifact name %q", executable.ErrInvalidName, name)
	}
	return nil
}
