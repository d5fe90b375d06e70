package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/digkill/adcraft/internal/config"
	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/gateway"
	"github.com/digkill/adcraft/internal/ledger"
	"github.com/digkill/adcraft/internal/models"
	"github.com/digkill/adcraft/internal/orchestrator"
	"github.com/digkill/adcraft/internal/pricing"
	"github.com/digkill/adcraft/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		FreemiumCredits:   50,
		FreemiumLimit:     50,
		ProCredits:        1000,
		ProLimit:          1000,
		BonusCredits:      25,
		OnboardingCredits: 10,
	}
}

// memAccounts is an in-memory AccountStore.
type memAccounts struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*models.Account
	flags  map[int64]map[repository.Flag]bool
}

func newMemAccounts() *memAccounts {
	return &memAccounts{byID: map[int64]*models.Account{}, flags: map[int64]map[repository.Flag]bool{}}
}

func (m *memAccounts) Ensure(_ context.Context, template models.Account) (*models.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.ExternalID == template.ExternalID {
			cp := *a
			return &cp, false, nil
		}
	}
	m.nextID++
	template.ID = m.nextID
	m.byID[template.ID] = &template
	m.flags[template.ID] = map[repository.Flag]bool{}
	cp := template
	return &cp, true, nil
}

func (m *memAccounts) Get(_ context.Context, id int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, credits.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) SetPlan(_ context.Context, id int64, plan models.Plan, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id].Plan = plan
	m.byID[id].PlanLimit = limit
	return nil
}

func (m *memAccounts) ClaimFlag(_ context.Context, id int64, flag repository.Flag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flags[id][flag] {
		return false, nil
	}
	m.flags[id][flag] = true
	return true, nil
}

func (m *memAccounts) ReleaseFlag(_ context.Context, id int64, flag repository.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[id][flag] = false
	return nil
}

// memHistory is an in-memory HistoryStore.
type memHistory struct {
	mu      sync.Mutex
	records []models.HistoryRecord
	err     error
}

func (m *memHistory) Insert(_ context.Context, rec models.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memHistory) ListByAccount(_ context.Context, accountID int64, limit int) ([]models.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.HistoryRecord
	for _, r := range m.records {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeBlobs struct {
	uploads int
	err     error
}

func (f *fakeBlobs) Upload(_ context.Context, accountID int64, data []byte, contentType string) (string, error) {
	f.uploads++
	if f.err != nil {
		return "", f.err
	}
	return "https://cdn.example.com/" + contentType, nil
}

// fakeGenerator answers every call from its fields and counts calls by op.
type fakeGenerator struct {
	mu       sync.Mutex
	calls    map[string]int
	text     string
	strategy string
	err      error
	chunks   []gateway.Chunk
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{calls: map[string]int{}, text: "generated copy"}
}

func (f *fakeGenerator) count(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeGenerator) GenerateText(_ context.Context, req gateway.TextRequest) (*models.Artifact, error) {
	f.count("text")
	if f.err != nil {
		return nil, f.err
	}
	return &models.Artifact{Kind: models.AssetText, Text: f.text + ": " + req.Prompt}, nil
}

func (f *fakeGenerator) GenerateStructured(_ context.Context, req gateway.TextRequest) (*models.Artifact, error) {
	f.count("structured")
	if f.err != nil {
		return nil, f.err
	}
	if !json.Valid(req.Schema) {
		return nil, errors.New("schema is not json")
	}
	return &models.Artifact{Kind: models.AssetStructured, Text: f.strategy}, nil
}

func (f *fakeGenerator) GenerateImage(context.Context, gateway.ImageRequest) (*models.Artifact, error) {
	f.count("image")
	if f.err != nil {
		return nil, f.err
	}
	return &models.Artifact{Kind: models.AssetImage, MIME: "image/png", Bytes: []byte{1, 2, 3}}, nil
}

func (f *fakeGenerator) GenerateVideo(context.Context, gateway.VideoRequest) (*models.Artifact, error) {
	f.count("video")
	if f.err != nil {
		return nil, f.err
	}
	return &models.Artifact{Kind: models.AssetVideo, URL: "https://videos.example.com/v.mp4", MIME: "video/mp4"}, nil
}

func (f *fakeGenerator) StreamText(context.Context, gateway.TextRequest) (gateway.Stream, error) {
	f.count("stream")
	if f.err != nil {
		return nil, f.err
	}
	return &sliceStream{chunks: f.chunks}, nil
}

type sliceStream struct {
	chunks []gateway.Chunk
}

func (s *sliceStream) Next() (gateway.Chunk, error) {
	if len(s.chunks) == 0 {
		return gateway.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error { return nil }

type fixture struct {
	ledger     *ledger.Memory
	controller *credits.Controller
	accounts   *memAccounts
	history    *memHistory
	blobs      *fakeBlobs
	gen        *fakeGenerator
	catalog    *pricing.Catalog

	accountSvc    *AccountService
	historySvc    *HistoryService
	generationSvc *GenerationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := discardLogger()
	catalog, err := pricing.Load("")
	require.NoError(t, err)

	f := &fixture{
		ledger:   ledger.NewMemory(),
		accounts: newMemAccounts(),
		history:  &memHistory{},
		blobs:    &fakeBlobs{},
		gen:      newFakeGenerator(),
		catalog:  catalog,
	}
	f.controller = credits.NewController(f.ledger, log)
	f.accountSvc = NewAccountService(testConfig(), log, f.accounts, f.ledger, f.controller)
	f.historySvc = NewHistoryService(f.history, f.blobs, log)
	orch := orchestrator.New(f.controller, f.historySvc, log, orchestrator.WithRecordTimeout(time.Second))
	f.generationSvc = NewGenerationService(f.gen, catalog, orch, log)
	return f
}

// session creates an account with balance credits and a session over it.
func (f *fixture) session(t *testing.T, balance int) *credits.Session {
	t.Helper()
	acc, _, err := f.accountSvc.Ensure(context.Background(), "user-"+t.Name(), "")
	require.NoError(t, err)
	if delta := balance - acc.Balance; delta > 0 {
		_, err = f.ledger.Credit(context.Background(), acc.ID, delta, nil, "test")
		require.NoError(t, err)
	} else if delta < 0 {
		_, err = f.ledger.Debit(context.Background(), acc.ID, -delta, "test")
		require.NoError(t, err)
	}
	return credits.NewSession(acc.ID, balance)
}

func (f *fixture) balance(t *testing.T, s *credits.Session) int {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), s.AccountID)
	require.NoError(t, err)
	return b
}
