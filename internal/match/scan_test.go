package match

import (
	"context"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dedupe-cli/internal/config"
	"github.com/sells-group/dedupe-cli/internal/model"
)

func scanStore() *fakeCandidateStore {
	return &fakeCandidateStore{identities: []model.Identity{
		{ID: 1, Active: true, FirstName: "Ann", LastName: "Adams"},
		{ID: 2, Active: true, FirstName: "Anna", LastName: "Adams"},
		{ID: 3, Active: true, FirstName: "Bo", LastName: "Baker"},
		{ID: 4, Active: true, FirstName: "Bob", LastName: "Baker"},
		{ID: 5, Active: true, FirstName: "Beth", LastName: "Baker"},
		{ID: 6, Active: true, FirstName: "Cal", LastName: "Cole"},
	}}
}

type pairCollector struct {
	mu    sync.Mutex
	pairs []CandidatePair
}

func (c *pairCollector) emit(_ context.Context, p CandidatePair) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs = append(c.pairs, p)
	return nil
}

func TestScanner_FullRun(t *testing.T) {
	st := scanStore()
	s := NewScanner(NewGenerator(st), config.ScanConfig{ChunkSize: 2, Concurrency: 2})

	var c pairCollector
	res, err := s.Run(context.Background(), "", 0, c.emit)
	require.NoError(t, err)

	// Cohorts: adams|a (1 pair), baker|b (3 pairs), cole|c (0 pairs).
	assert.Equal(t, 3, res.Cohorts)
	assert.Equal(t, 4, res.Pairs)
	assert.Len(t, c.pairs, 4)
	assert.Equal(t, "cole|c", res.Cursor)
}

func TestScanner_ResumeFromCursor(t *testing.T) {
	st := scanStore()
	s := NewScanner(NewGenerator(st), config.ScanConfig{ChunkSize: 10, Concurrency: 1})

	var c pairCollector
	res, err := s.Run(context.Background(), "adams|a", 0, c.emit)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Cohorts)
	assert.Equal(t, 3, res.Pairs) // only baker pairs remain
}

func TestScanner_MaxCohortsLimit(t *testing.T) {
	st := scanStore()
	s := NewScanner(NewGenerator(st), config.ScanConfig{ChunkSize: 10, Concurrency: 1})

	var c pairCollector
	res, err := s.Run(context.Background(), "", 1, c.emit)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Cohorts)
	assert.Equal(t, "adams|a", res.Cursor)
}

func TestScanner_EmitErrorStopsCursor(t *testing.T) {
	st := scanStore()
	s := NewScanner(NewGenerator(st), config.ScanConfig{ChunkSize: 1, Concurrency: 1})

	calls := 0
	emit := func(_ context.Context, _ CandidatePair) error {
		calls++
		if calls > 1 {
			return eris.New("emit failed")
		}
		return nil
	}

	res, err := s.Run(context.Background(), "", 0, emit)
	require.Error(t, err)
	// First chunk (adams|a) succeeded; the failing baker chunk did not
	// advance the cursor, so a resume re-scans it.
	assert.Equal(t, "adams|a", res.Cursor)
	assert.Equal(t, 1, res.Cohorts)
}

func TestScanner_ContextCancel(t *testing.T) {
	st := scanStore()
	s := NewScanner(NewGenerator(st), config.ScanConfig{ChunkSize: 1, Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var c pairCollector
	_, err := s.Run(ctx, "", 0, c.emit)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanner_ListKeysError(t *testing.T) {
	st := scanStore()
	st.listErr = eris.New("db down")
	s := NewScanner(NewGenerator(st), config.ScanConfig{ChunkSize: 10, Concurrency: 1})

	var c pairCollector
	_, err := s.Run(context.Background(), "", 0, c.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list cohorts")
}
