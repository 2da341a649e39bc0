package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "application-lifecycle/internal/common/errors"
)

func decode(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func fields(t *testing.T, err error) []string {
	t.Helper()
	var ve *apperrors.ValidationErrors
	require.ErrorAs(t, err, &ve)
	out := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		out = append(out, e.Field)
	}
	return out
}

func TestSaveStateSchema_AcceptsValidRequest(t *testing.T) {
	doc := decode(t, `{
		"session_id": "zb_17_abc-1",
		"channel": "whatsapp",
		"user_identifier": "+263771234567",
		"current_step": "language",
		"form_data": {
			"language": "sn",
			"intent": "hirePurchase",
			"amount": "1500.50",
			"formResponses": {
				"firstName": "Tendai",
				"lastName": "O'Neil-Moyo",
				"emailAddress": "tendai@example.com",
				"mobile": "0771 234 567",
				"nationalIdNumber": "63-123456 A 12"
			}
		},
		"metadata": {"user_agent": "Mozilla/5.0"}
	}`)

	assert.NoError(t, Named("save_state").Validate(doc))
}

func TestSaveStateSchema_ReportsEveryField(t *testing.T) {
	doc := decode(t, `{
		"session_id": "bad id!",
		"channel": "fax",
		"current_step": "language",
		"form_data": {
			"language": "fr",
			"amount": 2000000,
			"formResponses": {"firstName": "R2D2"}
		}
	}`)

	err := Named("save_state").Validate(doc)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.ToStandardError(err).Code)
	assert.ElementsMatch(t, []string{
		"channel",
		"form_data.amount",
		"form_data.formResponses.firstName",
		"form_data.language",
		"session_id",
		"user_identifier",
	}, fields(t, err))
}

func TestSaveStateSchema_RejectsAdminChannel(t *testing.T) {
	doc := decode(t, `{
		"session_id": "zb_1",
		"channel": "admin",
		"user_identifier": "ops",
		"current_step": "language",
		"form_data": {}
	}`)

	assert.Equal(t, []string{"channel"}, fields(t, Named("save_state").Validate(doc)))
}

func TestExtendReferenceSchema(t *testing.T) {
	s := Named("extend_reference")

	assert.NoError(t, s.Validate(decode(t, `{"days": 30}`)))
	assert.Equal(t, []string{"days"}, fields(t, s.Validate(decode(t, `{"days": 0}`))))
	assert.Equal(t, []string{"days"}, fields(t, s.Validate(decode(t, `{"days": 1.5}`))))
	assert.Equal(t, []string{"days"}, fields(t, s.Validate(decode(t, `{}`))))
}

func TestTransitionSchema_AllowsAdminChannel(t *testing.T) {
	s := Named("transition")

	assert.NoError(t, s.Validate(decode(t, `{"to_step": "approved", "channel": "admin"}`)))
	assert.Equal(t, []string{"to_step"}, fields(t, s.Validate(decode(t, `{"channel": "web"}`))))
}

func TestCompile_InvalidDocument(t *testing.T) {
	_, err := Compile("broken", `{"type": 12}`)
	assert.Error(t, err)
}

func TestValidateEmail(t *testing.T) {
	assert.True(t, ValidateEmail("tendai@example.com"))
	assert.False(t, ValidateEmail("tendai"))
	assert.False(t, ValidateEmail("tendai@example"))
}

func TestCrossChannelSchemas(t *testing.T) {
	assert.NoError(t, Named("link").Validate(decode(t, `{
		"secondary_session_id": "whatsapp_263771234567", "channel": "whatsapp", "user_identifier": "263771234567"
	}`)))
	assert.Equal(t, []string{"channel", "user_identifier"}, fields(t, Named("link").Validate(decode(t, `{
		"secondary_session_id": "wa_1", "channel": "admin"
	}`))))

	assert.NoError(t, Named("switch_channel").Validate(decode(t, `{"channel": "whatsapp", "phone_number": "+263 (77) 123-4567"}`)))
	assert.NoError(t, Named("switch_channel").Validate(decode(t, `{"channel": "web", "target_session_id": ""}`)))
	assert.Equal(t, []string{"channel", "phone_number"}, fields(t, Named("switch_channel").Validate(decode(t, `{
		"channel": "ussd", "phone_number": "call me"
	}`))))

	assert.Equal(t, []string{"secondary_session_id"}, fields(t, Named("merge").Validate(decode(t, `{"secondary_session_id": "a b"}`))))
	assert.Equal(t, []string{"channel"}, fields(t, Named("new_session").Validate(decode(t, `{}`))))
}
