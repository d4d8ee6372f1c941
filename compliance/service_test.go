package compliance

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/auth"
)

var (
	officer = auth.Caller{Address: "0xofficer", Role: auth.RoleComplianceOfficer}
	admin   = auth.Caller{Address: "0xadmin", Role: auth.RoleAdmin}
	client  = auth.Caller{Address: "0xclient", Role: auth.RoleClient}
)

func cleanParams(address string) CreateParams {
	return CreateParams{
		Address:              address,
		KYCVerified:          true,
		RiskLevel:            RiskLow,
		Jurisdiction:         "US-NY",
		KYCReference:         "kyc-123",
		SanctionsCheckPassed: true,
	}
}

func TestService_CreateRecord(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	rec, err := svc.CreateRecord(ctx, officer, cleanParams("0xalice"))
	require.NoError(t, err)
	assert.Equal(t, "0xalice", rec.Address)
	assert.True(t, rec.Compliant())

	_, err = svc.CreateRecord(ctx, officer, cleanParams("0xalice"))
	assert.ErrorIs(t, err, ErrRecordExists)

	// Admins may write the registry without the officer role.
	_, err = svc.CreateRecord(ctx, admin, cleanParams("0xbob"))
	assert.NoError(t, err)

	_, err = svc.CreateRecord(ctx, client, cleanParams("0xcarol"))
	assert.ErrorIs(t, err, ErrNotOfficer)
}

func TestService_CreateRecordValidation(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	p := cleanParams("")
	_, err := svc.CreateRecord(ctx, officer, p)
	assert.ErrorIs(t, err, ErrEmptyAddress)

	p = cleanParams("0xalice")
	p.Jurisdiction = ""
	_, err = svc.CreateRecord(ctx, officer, p)
	assert.ErrorIs(t, err, ErrEmptyMetadata)

	p = cleanParams("0xalice")
	p.KYCReference = ""
	_, err = svc.CreateRecord(ctx, officer, p)
	assert.ErrorIs(t, err, ErrEmptyMetadata)

	p = cleanParams("0xalice")
	p.RiskLevel = RiskLevel(7)
	_, err = svc.CreateRecord(ctx, officer, p)
	assert.ErrorIs(t, err, ErrInvalidRiskLevel)
}

func TestService_UpdateRecord(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	_, err := svc.CreateRecord(ctx, officer, cleanParams("0xalice"))
	require.NoError(t, err)

	rec, err := svc.UpdateRecord(ctx, officer, UpdateParams{
		Address:              "0xalice",
		KYCVerified:          true,
		RiskLevel:            RiskHigh,
		Jurisdiction:         "US-NY",
		KYCReference:         "kyc-123",
		SanctionsCheckPassed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, rec.RiskLevel)

	_, err = svc.UpdateRecord(ctx, officer, UpdateParams{
		Address:              "0xmissing",
		KYCVerified:          true,
		RiskLevel:            RiskLow,
		Jurisdiction:         "US-NY",
		KYCReference:         "kyc-999",
		SanctionsCheckPassed: true,
	})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestService_PauseBlocksWrites(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	_, err := svc.CreateRecord(ctx, officer, cleanParams("0xalice"))
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Pause(ctx, client), ErrNotOfficer)
	require.NoError(t, svc.Pause(ctx, officer))

	_, err = svc.CreateRecord(ctx, officer, cleanParams("0xbob"))
	assert.ErrorIs(t, err, ErrPaused)
	_, err = svc.UpdateRecord(ctx, officer, UpdateParams{
		Address:              "0xalice",
		KYCVerified:          true,
		RiskLevel:            RiskLow,
		Jurisdiction:         "US-NY",
		KYCReference:         "kyc-123",
		SanctionsCheckPassed: true,
	})
	assert.ErrorIs(t, err, ErrPaused)

	// Reads stay open while paused.
	ok, err := svc.IsCompliant(ctx, "0xalice")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, svc.Unpause(ctx, officer))
	_, err = svc.CreateRecord(ctx, officer, cleanParams("0xbob"))
	assert.NoError(t, err)
}

func TestService_MissingRecordsAnswerConservatively(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	has, err := svc.HasComplianceRecord(ctx, "0xghost")
	require.NoError(t, err)
	assert.False(t, has)

	ok, err := svc.IsCompliant(ctx, "0xghost")
	require.NoError(t, err)
	assert.False(t, ok)

	verified, err := svc.IsKYCVerified(ctx, "0xghost")
	require.NoError(t, err)
	assert.False(t, verified)

	// Unknown addresses count as high risk, never as safe.
	high, err := svc.IsHighRiskUser(ctx, "0xghost")
	require.NoError(t, err)
	assert.True(t, high)
}

func TestService_ComplianceDerivations(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	p := cleanParams("0xunverified")
	p.KYCVerified = false
	_, err := svc.CreateRecord(ctx, officer, p)
	require.NoError(t, err)

	p = cleanParams("0xsanctioned")
	p.SanctionsCheckPassed = false
	_, err = svc.CreateRecord(ctx, officer, p)
	require.NoError(t, err)

	p = cleanParams("0xprohibited")
	p.RiskLevel = RiskProhibited
	_, err = svc.CreateRecord(ctx, officer, p)
	require.NoError(t, err)

	p = cleanParams("0xhigh")
	p.RiskLevel = RiskHigh
	_, err = svc.CreateRecord(ctx, officer, p)
	require.NoError(t, err)

	for _, addr := range []string{"0xunverified", "0xsanctioned", "0xprohibited"} {
		ok, err := svc.IsCompliant(ctx, addr)
		require.NoError(t, err)
		assert.False(t, ok, addr)
	}

	// High risk is still compliant; only the prohibited tier fails outright.
	ok, err := svc.IsCompliant(ctx, "0xhigh")
	require.NoError(t, err)
	assert.True(t, ok)

	high, err := svc.IsHighRiskUser(ctx, "0xhigh")
	require.NoError(t, err)
	assert.True(t, high)

	high, err = svc.IsHighRiskUser(ctx, "0xunverified")
	require.NoError(t, err)
	assert.False(t, high)
}

func TestService_ValidateTransaction(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()
	amount := decimal.NewFromInt(1000)

	_, err := svc.CreateRecord(ctx, officer, cleanParams("0xbuyer"))
	require.NoError(t, err)
	_, err = svc.CreateRecord(ctx, officer, cleanParams("0xseller"))
	require.NoError(t, err)

	ok, reason, err := svc.ValidateTransaction(ctx, "0xbuyer", "0xseller", amount)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason, err = svc.ValidateTransaction(ctx, "0xbuyer", "0xghost", amount)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "0xghost")

	ok, reason, err = svc.ValidateTransaction(ctx, "", "0xseller", amount)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	ok, reason, err = svc.ValidateTransaction(ctx, "0xbuyer", "0xseller", decimal.Zero)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	p := cleanParams("0xbanned")
	p.RiskLevel = RiskProhibited
	_, err = svc.CreateRecord(ctx, officer, p)
	require.NoError(t, err)

	ok, reason, err = svc.ValidateTransaction(ctx, "0xbuyer", "0xbanned", amount)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "0xbanned")
}

type fakeRepo struct {
	records map[string]Record
	paused  bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]Record)}
}

func (f *fakeRepo) Create(ctx context.Context, params CreateParams) (Record, error) {
	if _, exists := f.records[params.Address]; exists {
		return Record{}, ErrRecordExists
	}
	rec := Record{
		Address:              params.Address,
		KYCVerified:          params.KYCVerified,
		RiskLevel:            params.RiskLevel,
		Jurisdiction:         params.Jurisdiction,
		KYCReference:         params.KYCReference,
		SanctionsCheckPassed: params.SanctionsCheckPassed,
		IsPEP:                params.IsPEP,
	}
	f.records[params.Address] = rec
	return rec, nil
}

func (f *fakeRepo) Update(ctx context.Context, params UpdateParams) (Record, error) {
	if _, exists := f.records[params.Address]; !exists {
		return Record{}, ErrRecordNotFound
	}
	rec := Record{
		Address:              params.Address,
		KYCVerified:          params.KYCVerified,
		RiskLevel:            params.RiskLevel,
		Jurisdiction:         params.Jurisdiction,
		KYCReference:         params.KYCReference,
		SanctionsCheckPassed: params.SanctionsCheckPassed,
		IsPEP:                params.IsPEP,
	}
	f.records[params.Address] = rec
	return rec, nil
}

func (f *fakeRepo) Get(ctx context.Context, address string) (Record, error) {
	rec, ok := f.records[address]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

func (f *fakeRepo) Paused(ctx context.Context) (bool, error) {
	return f.paused, nil
}

func (f *fakeRepo) SetPaused(ctx context.Context, paused bool) error {
	f.paused = paused
	return nil
}
