package credential

import (
	"testing"

	"hcert/internal/credential/models"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedPayload(t *testing.T) []byte {
	t.Helper()
	data, err := cbor.Marshal(models.Payload{
		Version:     "1.3.0",
		Name:        models.Name{FamilyNameStandardised: "MUSTER", GivenNameStandardised: "ERIKA"},
		DateOfBirth: "1964-08-12",
		Exemptions: []models.Exemption{{
			Disease: "840539006", Country: "IT", ValidFrom: "2021-11-01", ValidUntil: "2022-06-30",
			CertificateIdentifier: "URN:UVCI:01:IT:EXEMPT#1",
		}},
	})
	require.NoError(t, err)
	return data
}

func TestRegistrySelectsDecoderByCountry(t *testing.T) {
	reg := NewDefaultRegistry()
	data := encodedPayload(t)

	t.Run("registered country keeps exemptions", func(t *testing.T) {
		p, err := reg.Decode("it", data)
		require.NoError(t, err)
		assert.Equal(t, models.TypeExemption, p.Type())
		assert.Equal(t, "URN:UVCI:01:IT:EXEMPT#1", p.CertificateIdentifier())
	})

	t.Run("unmapped country uses the default decoder", func(t *testing.T) {
		p, err := reg.Decode("DE", data)
		require.NoError(t, err)
		assert.Empty(t, p.Exemptions)
		assert.Equal(t, models.TypeUnknown, p.Type())
		assert.Equal(t, "MUSTER", p.Name.FamilyNameStandardised)
	})
}

func TestDefaultDecoderRejectsMalformedInput(t *testing.T) {
	_, err := DefaultDecoder{}.Decode([]byte{0xa1, 0x63})
	assert.Error(t, err)
}

func TestRegisterOverridesFallback(t *testing.T) {
	reg := NewRegistry(nil)
	called := false
	reg.Register(" fr ", DecoderFunc(func([]byte) (*models.Payload, error) {
		called = true
		return &models.Payload{}, nil
	}))

	_, err := reg.Decode("FR", nil)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestPayloadHelpers(t *testing.T) {
	p := &models.Payload{Vaccinations: []models.Vaccination{{DoseNumber: 1, TotalSeriesOfDoses: 2, CertificateIdentifier: "URN:UVCI:V1"}}}
	assert.Equal(t, models.TypeVaccination, p.Type())
	assert.True(t, p.IsPartialVaccination())
	assert.Equal(t, "URN:UVCI:V1", p.CertificateIdentifier())

	p.Vaccinations[0].DoseNumber = 2
	assert.False(t, p.IsPartialVaccination())

	var nilPayload *models.Payload
	assert.Equal(t, models.TypeUnknown, nilPayload.Type())
	assert.Equal(t, "", nilPayload.CertificateIdentifier())
}
