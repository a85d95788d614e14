package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	s := store.New(db)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_Errors(t *testing.T) {
	_, err := store.Open("oracle", "x")
	var cfgErr *model.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "driver", cfgErr.Field)

	_, err = store.Open(store.DriverPostgres, "")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "dsn", cfgErr.Field)
}

func TestClaim_InsertThenStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, outcome, err := s.Claim(ctx, model.DocumentTypeInvoice, 42, "ademico")
	require.NoError(t, err)
	assert.Equal(t, store.ClaimAcquired, outcome)
	assert.Equal(t, model.StatusSending, doc.Status)
	assert.Equal(t, 1, doc.Attempts)

	// still sending: a second caller backs off
	_, outcome, err = s.Claim(ctx, model.DocumentTypeInvoice, 42, "ademico")
	require.NoError(t, err)
	assert.Equal(t, store.ClaimInFlight, outcome)

	// a different provider or type is a different record
	_, outcome, err = s.Claim(ctx, model.DocumentTypeCreditNote, 42, "ademico")
	require.NoError(t, err)
	assert.Equal(t, store.ClaimAcquired, outcome)

	_, err = s.Transition(ctx, doc, model.StatusFailed, store.SourceSend, "timeout", nil)
	require.NoError(t, err)

	again, outcome, err := s.Claim(ctx, model.DocumentTypeInvoice, 42, "ademico")
	require.NoError(t, err)
	assert.Equal(t, store.ClaimAcquired, outcome)
	assert.Equal(t, doc.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)

	_, err = s.Transition(ctx, again, model.StatusSent, store.SourceSend, "", nil)
	require.NoError(t, err)
	_, outcome, err = s.Claim(ctx, model.DocumentTypeInvoice, 42, "ademico")
	require.NoError(t, err)
	assert.Equal(t, store.ClaimAlreadySent, outcome)

	docs, err := s.List(ctx, store.Filter{Direction: model.DirectionOutbound})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestClaim_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]store.ClaimOutcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, o, err := s.Claim(ctx, model.DocumentTypeInvoice, 7, "unit4")
			assert.NoError(t, err)
			outcomes[i] = o
		}(i)
	}
	wg.Wait()

	acquired := 0
	for _, o := range outcomes {
		if o == store.ClaimAcquired {
			acquired++
		} else {
			assert.Equal(t, store.ClaimInFlight, o)
		}
	}
	assert.Equal(t, 1, acquired)

	docs, err := s.List(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestTransition_Rules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, _, err := s.Claim(ctx, model.DocumentTypeInvoice, 1, "ademico")
	require.NoError(t, err)

	applied, err := s.Transition(ctx, doc, model.StatusSent, store.SourceSend, "", func(d *model.PeppolDocument) {
		d.SetVendorID("doc-1")
		now := time.Now()
		d.SentAt = &now
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "doc-1", doc.VendorID())

	applied, err = s.Transition(ctx, doc, model.StatusSent, store.SourceWebhook, "", nil)
	require.NoError(t, err)
	assert.False(t, applied, "same status is a no-op")

	_, err = s.Transition(ctx, doc, model.StatusPending, store.SourceWebhook, "", nil)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, model.StatusSent, doc.Status)

	applied, err = s.Transition(ctx, doc, model.StatusDelivered, store.SourcePoll, "", nil)
	require.NoError(t, err)
	assert.True(t, applied)

	history, err := s.History(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.StatusSending, history[0].ToStatus)
	assert.Equal(t, model.StatusSent, history[1].ToStatus)
	assert.Equal(t, model.StatusDelivered, history[2].ToStatus)
	assert.Equal(t, store.SourcePoll, history[2].Source)

	found, err := s.FindByVendorID(ctx, "ademico", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, found.ID)

	_, err = s.Transition(ctx, &model.PeppolDocument{ID: 999}, model.StatusSent, store.SourceSend, "", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreateInbound_Dedupes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newDoc := func() *model.PeppolDocument {
		d := &model.PeppolDocument{DocumentType: model.DocumentTypeInvoice, Provider: "unit4"}
		d.SetVendorID("in-1")
		return d
	}

	first := newDoc()
	created, err := s.CreateInbound(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusReceived, first.Status)
	assert.NotNil(t, first.ReceivedAt)
	assert.True(t, first.IsInbound())

	second := newDoc()
	created, err = s.CreateInbound(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// same vendor id from another provider is another document
	other := newDoc()
	other.Provider = "recommand"
	created, err = s.CreateInbound(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = s.CreateInbound(ctx, &model.PeppolDocument{Provider: "unit4"})
	var vErr *model.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestUpdate_KeepsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := &model.PeppolDocument{DocumentType: model.DocumentTypeInvoice, Provider: "unit4"}
	doc.SetVendorID("in-5")
	_, err := s.CreateInbound(ctx, doc)
	require.NoError(t, err)

	updated, err := s.Update(ctx, doc.ID, func(d *model.PeppolDocument) error {
		d.SetExpenseID(12)
		d.Status = model.StatusProcessed
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, updated.Status)

	reloaded, err := s.Get(ctx, doc.ID)
	require.NoError(t, err)
	id, ok := reloaded.ExpenseID()
	require.True(t, ok)
	assert.Equal(t, uint(12), id)

	boom := errors.New("boom")
	_, err = s.Update(ctx, doc.ID, func(*model.PeppolDocument) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestList_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		doc, _, err := s.Claim(ctx, model.DocumentTypeInvoice, uint(i), "ademico")
		require.NoError(t, err)
		to := model.StatusFailed
		if i%2 == 0 {
			to = model.StatusSent
		}
		_, err = s.Transition(ctx, doc, to, store.SourceSend, "", func(d *model.PeppolDocument) {
			if to == model.StatusSent {
				d.SetVendorID(fmt.Sprintf("v-%d", i))
			}
			if i == 3 {
				later := time.Now().Add(time.Hour)
				d.NextRetryAt = &later
			}
		})
		require.NoError(t, err)
	}

	now := time.Now()
	due, err := s.List(ctx, store.Filter{
		Direction:   model.DirectionOutbound,
		Statuses:    []model.Status{model.StatusFailed},
		MaxAttempts: 5,
		DueBy:       &now,
	})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, uint(1), *due[0].LocalReferenceID)

	sent, err := s.List(ctx, store.Filter{Statuses: []model.Status{model.StatusSent}, WithVendorID: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "v-2", sent[0].VendorID())

	none, err := s.List(ctx, store.Filter{Statuses: []model.Status{model.StatusFailed}, MaxAttempts: 1})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestActivity_LogAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &model.ActivityLogEntry{Provider: "ademico", Action: "send", Status: model.ActivityError, Message: "old", CreatedAt: time.Now().AddDate(0, 0, -40)}
	require.NoError(t, s.LogActivity(ctx, old))
	docID := uint(3)
	recent := &model.ActivityLogEntry{Provider: "ademico", Action: "send", Status: model.ActivitySuccess, Message: "new", DocumentID: &docID,
		Data: map[string]interface{}{"transmission_id": "tx-1"}}
	require.NoError(t, s.LogActivity(ctx, recent))
	require.NoError(t, s.LogActivity(ctx, &model.ActivityLogEntry{Provider: "unit4", Action: "webhook"}))

	entries, err := s.Activity(ctx, store.ActivityQuery{Provider: "ademico"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "new", entries[0].Message)
	assert.Equal(t, "tx-1", entries[0].Data["transmission_id"])

	byDoc, err := s.Activity(ctx, store.ActivityQuery{DocumentID: &docID})
	require.NoError(t, err)
	assert.Len(t, byDoc, 1)

	purged, err := s.PurgeActivity(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestOptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetOption(ctx, "expense_category_id")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetOption(ctx, "expense_category_id", "4"))
	require.NoError(t, s.SetOption(ctx, "expense_category_id", "5"))
	v, ok, err := s.GetOption(ctx, "expense_category_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5", v)

	require.NoError(t, s.DeleteOption(ctx, "expense_category_id"))
	_, ok, err = s.GetOption(ctx, "expense_category_id")
	require.NoError(t, err)
	assert.False(t, ok)
}
