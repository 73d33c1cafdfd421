package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

func runLog(id, patient string, created time.Time, findings ...string) models.RunLog {
	log := models.RunLog{
		ID:             id,
		RequestID:      "req-" + id,
		PatientID:      patient,
		Status:         models.RunStatusSuccess,
		StageTimingsMs: map[string]float64{"normalize": 1.5},
		CreatedAt:      created,
	}
	for _, f := range findings {
		log.Output = append(log.Output, models.DrugInteraction{ID: f, Drugs: []string{"a", "b"}, Severity: models.SeverityMajor})
		log.InteractionIDs = append(log.InteractionIDs, f)
	}
	return log
}

func TestRunLogStoreIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunLogStore()
	log := runLog("r1", "p1", time.Now(), "ddi:a+b")
	require.NoError(t, store.Append(ctx, log))

	err := store.Append(ctx, log)
	assert.ErrorIs(t, err, ErrRunLogExists)

	log.Output[0].Severity = models.SeverityMinor
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityMajor, got.Output[0].Severity)

	got.Output[0].Severity = models.SeverityNone
	again, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityMajor, again.Output[0].Severity)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunLogNotFound)
}

func TestRunLogListByPatientNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunLogStore()
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, runLog("r1", "p1", base)))
	require.NoError(t, store.Append(ctx, runLog("r2", "p2", base.Add(time.Minute))))
	require.NoError(t, store.Append(ctx, runLog("r3", "p1", base.Add(2*time.Minute))))

	logs, err := store.ListByPatient(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "r3", logs[0].ID)
	assert.Equal(t, "r1", logs[1].ID)

	logs, err = store.ListByPatient(ctx, "p1", 1)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	logs, err = store.ListByPatient(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestFindInteractionReturnsLatestRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunLogStore()
	require.NoError(t, store.Append(ctx, runLog("r1", "p1", time.Now(), "ddi:a+b")))
	require.NoError(t, store.Append(ctx, runLog("r2", "p2", time.Now(), "ddi:a+b", "ml:c+d")))

	log, finding, err := store.FindInteraction(ctx, "ddi:a+b")
	require.NoError(t, err)
	assert.Equal(t, "r2", log.ID)
	assert.Equal(t, "ddi:a+b", finding.ID)

	_, _, err = store.FindInteraction(ctx, "ddi:x+y")
	assert.ErrorIs(t, err, ErrInteractionNotFound)
}

func TestRunLogStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunLogStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A'+i%26)) + string(rune('a'+i/26))
			assert.NoError(t, store.Append(ctx, runLog(id, "p", time.Now())))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, store.Len())
}

func TestOverrideStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOverrideStore()
	rec := models.OverrideRecord{ID: "o1", InteractionID: "ddi:a+b", UserID: "u1", ReasonCode: "emergency_use", CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, rec))
	assert.ErrorIs(t, store.Create(ctx, rec), ErrOverrideExists)

	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	approved, err := store.Approve(ctx, "o1", "u2", at)
	require.NoError(t, err)
	assert.True(t, approved.Approved)
	got, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.Equal(t, "u2", got.SecondSignoffUserID)
	require.NotNil(t, got.SecondSignoffAt)
	assert.True(t, got.SecondSignoffAt.Equal(at))

	again, err := store.Approve(ctx, "o1", "u3", at.Add(time.Minute))
	assert.ErrorIs(t, err, ErrOverrideApproved)
	assert.Equal(t, "u2", again.SecondSignoffUserID)

	list, err := store.ListByInteraction(ctx, "ddi:a+b")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.Get(ctx, "o2")
	assert.ErrorIs(t, err, ErrOverrideNotFound)
	_, err = store.Approve(ctx, "o2", "u2", at)
	assert.ErrorIs(t, err, ErrOverrideNotFound)
}

func TestOverrideStoreConcurrentApprove(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOverrideStore()
	require.NoError(t, store.Create(ctx, models.OverrideRecord{ID: "o1", UserID: "u1", RequiresSecondSignoff: true}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Approve(ctx, "o1", fmt.Sprintf("u%d", i+2), time.Now()); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestIncidentStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIncidentStore()
	require.NoError(t, store.Create(ctx, models.Incident{ID: "i1", OverrideID: "o1"}))
	require.NoError(t, store.Create(ctx, models.Incident{ID: "i2", OverrideID: "o2"}))

	byOverride, err := store.ListByOverride(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, byOverride, 1)
	assert.Equal(t, "i1", byOverride[0].ID)

	recent, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "i2", recent[0].ID)
}

func TestRunLogModelRoundTrip(t *testing.T) {
	log := runLog("r1", "p1", time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC), "ddi:a+b")
	log.Summary = models.Summary{MaxSeverity: models.SeverityMajor, RiskScore: 27}

	row, err := toRunLogModel(log)
	require.NoError(t, err)
	assert.Equal(t, "major", row.MaxSeverity)
	assert.Equal(t, 27.0, row.RiskScore)
	assert.Equal(t, 1.5, row.Timings["normalize"])

	back, err := row.record()
	require.NoError(t, err)
	assert.Equal(t, log.ID, back.ID)
	assert.Equal(t, log.InteractionIDs, back.InteractionIDs)
	assert.True(t, log.CreatedAt.Equal(back.CreatedAt))
}

func TestIncidentModelConversion(t *testing.T) {
	inc := models.Incident{ID: "i1", Kind: "override_pending_signoff", OverrideID: "o1", Description: "needs review"}
	assert.Equal(t, inc, models.Incident(IncidentModel(inc)))
	assert.Equal(t, "override_incidents", IncidentModel{}.TableName())
}
