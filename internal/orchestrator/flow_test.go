package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"application-lifecycle/internal/formdata"
	"application-lifecycle/internal/statemachine/conversation"
)

func view(data map[string]interface{}) formdata.View {
	return formdata.NewView(data)
}

func TestNextStep_WebWizard(t *testing.T) {
	tests := []struct {
		name string
		from conversation.Step
		data map[string]interface{}
		want conversation.Step
		ok   bool
	}{
		{"new starts with language", conversation.New, nil, conversation.Language, true},
		{"language to intent", conversation.Language, map[string]interface{}{"language": "en"}, conversation.Intent, true},
		{"intent unanswered", conversation.Intent, nil, "", false},
		{"personal loan intent", conversation.Intent, map[string]interface{}{"intent": "hirePurchase"}, conversation.Employer, true},
		{"microbiz intent still asks employer", conversation.Intent, map[string]interface{}{"intent": "microBiz"}, conversation.Employer, true},
		{"ssb employee skips account", conversation.Employer, map[string]interface{}{"employer": "goz-ssb"}, conversation.Product, true},
		{"entrepreneur needs account", conversation.Employer, map[string]interface{}{"employer": "Entrepreneur"}, conversation.Account, true},
		{"other employer needs account", conversation.Employer, map[string]interface{}{"employer": "parastatal"}, conversation.Account, true},
		{"employer unanswered", conversation.Employer, nil, "", false},
		{"account to product", conversation.Account, nil, conversation.Product, true},
		{"product to summary", conversation.Product, nil, conversation.Summary, true},
		{"summary to form", conversation.Summary, nil, conversation.Form, true},
		{"form to documents", conversation.Form, nil, conversation.Documents, true},
		{"documents to completed", conversation.Documents, nil, conversation.Completed, true},
		{"completed is terminal", conversation.Completed, nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextStep(tt.from, view(tt.data))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextStep_MicroBizMenu(t *testing.T) {
	tests := map[string]conversation.Step{
		"1": conversation.AgentAgeCheck,
		"2": conversation.RedirectCash,
		"3": conversation.EmploymentCheck,
		"4": conversation.RedirectCash,
		"5": conversation.EmploymentCheck,
	}
	for choice, want := range tests {
		got, ok := NextStep(conversation.MicroBizMainMenu, view(map[string]interface{}{"menuChoice": choice}))
		assert.True(t, ok, choice)
		assert.Equal(t, want, got, choice)
	}

	_, ok := NextStep(conversation.MicroBizMainMenu, view(map[string]interface{}{"menuChoice": "9"}))
	assert.False(t, ok)
}

func TestNextStep_AgentChain(t *testing.T) {
	got, ok := NextStep(conversation.AgentAgeCheck, view(map[string]interface{}{"age": 16}))
	assert.True(t, ok)
	assert.Equal(t, conversation.AgentUnderage, got)

	got, ok = NextStep(conversation.AgentAgeCheck, view(map[string]interface{}{"ageConfirmation": "yes"}))
	assert.True(t, ok)
	assert.Equal(t, conversation.AgentProvince, got)

	_, ok = NextStep(conversation.AgentAgeCheck, view(nil))
	assert.False(t, ok)

	chain := []conversation.Step{
		conversation.AgentProvince,
		conversation.AgentName,
		conversation.AgentSurname,
		conversation.AgentGender,
		conversation.AgentAgeRange,
		conversation.AgentVoiceNumber,
		conversation.AgentWhatsAppNumber,
		conversation.AgentEcocashNumber,
		conversation.AgentIDUpload,
		conversation.AgentIDBackUpload,
		conversation.Completed,
	}
	for i := 0; i < len(chain)-1; i++ {
		got, ok := NextStep(chain[i], view(nil))
		assert.True(t, ok, chain[i])
		assert.Equal(t, chain[i+1], got)
	}

	_, ok = NextStep(conversation.AgentUnderage, view(nil))
	assert.False(t, ok)
}

func TestNextStep_Eligibility(t *testing.T) {
	tests := []struct {
		name string
		from conversation.Step
		data map[string]interface{}
		want conversation.Step
	}{
		{"employed", conversation.EmploymentCheck, map[string]interface{}{"isEmployed": "yes"}, conversation.FormalEmploymentCheck},
		{"unemployed", conversation.EmploymentCheck, map[string]interface{}{"isEmployed": false}, conversation.UnemploymentCategory},
		{"self employed offered agency", conversation.UnemploymentCategory, map[string]interface{}{"unemploymentCategory": "self_employed"}, conversation.AgentOfferAfterReject},
		{"job seeker offered agency", conversation.UnemploymentCategory, map[string]interface{}{"unemploymentCategory": "student"}, conversation.AgentOfferAfterReject},
		{"offer accepted", conversation.AgentOfferAfterReject, map[string]interface{}{"acceptsAgentOffer": "1"}, conversation.AgentAgeCheck},
		{"offer declined", conversation.AgentOfferAfterReject, map[string]interface{}{"acceptsAgentOffer": "no"}, conversation.Completed},
		{"formal", conversation.FormalEmploymentCheck, map[string]interface{}{"isFormallyEmployed": true}, conversation.EmployerCategory},
		{"informal", conversation.FormalEmploymentCheck, map[string]interface{}{"isFormallyEmployed": "no"}, conversation.Completed},
		{"sme employer", conversation.EmployerCategory, map[string]interface{}{"employerCategory": "SME"}, conversation.SMESalaryMethod},
		{"large employer", conversation.EmployerCategory, map[string]interface{}{"employerCategory": "government"}, conversation.BeneficiaryQuestion},
		{"paid cash", conversation.SMESalaryMethod, map[string]interface{}{"salaryMethod": "cash"}, conversation.Completed},
		{"paid to bank", conversation.SMESalaryMethod, map[string]interface{}{"salaryMethod": "bank"}, conversation.BeneficiaryQuestion},
		{"for someone else", conversation.BeneficiaryQuestion, map[string]interface{}{"beneficiary": "other"}, conversation.MonitoringQuestion},
		{"for self", conversation.BeneficiaryQuestion, map[string]interface{}{"beneficiary": "self"}, conversation.TrainingQuestion},
		{"monitoring", conversation.MonitoringQuestion, nil, conversation.TrainingQuestion},
		{"training", conversation.TrainingQuestion, nil, conversation.RedirectCredit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextStep(tt.from, view(tt.data))
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextStep_TerminalStepsHaveNoSuccessor(t *testing.T) {
	for _, s := range []conversation.Step{
		conversation.Completed,
		conversation.AgentUnderage,
		conversation.RedirectCash,
		conversation.RedirectCredit,
	} {
		assert.True(t, s.IsTerminal())
		_, ok := NextStep(s, view(nil))
		assert.False(t, ok, s)
	}
}

func TestNextStep_BotAnswerKeys(t *testing.T) {
	tests := []struct {
		name string
		from conversation.Step
		data map[string]interface{}
		want conversation.Step
	}{
		{"agent menu", conversation.MicroBizMainMenu, map[string]interface{}{"main_menu_choice": "1"}, conversation.AgentAgeCheck},
		{"credit menu", conversation.MicroBizMainMenu, map[string]interface{}{"main_menu_choice": "3"}, conversation.EmploymentCheck},
		{"employed", conversation.EmploymentCheck, map[string]interface{}{"is_employed": true}, conversation.FormalEmploymentCheck},
		{"not employed", conversation.EmploymentCheck, map[string]interface{}{"is_employed": false}, conversation.UnemploymentCategory},
		{"formally employed", conversation.FormalEmploymentCheck, map[string]interface{}{"is_formally_employed": true}, conversation.EmployerCategory},
		{"pensioner", conversation.UnemploymentCategory, map[string]interface{}{"unemployment_category": "pensioner"}, conversation.AgentOfferAfterReject},
		{"sme", conversation.EmployerCategory, map[string]interface{}{"employer_category": "sme"}, conversation.SMESalaryMethod},
		{"salary banked", conversation.SMESalaryMethod, map[string]interface{}{"salary_method": "bank"}, conversation.BeneficiaryQuestion},
		{"salary in cash", conversation.SMESalaryMethod, map[string]interface{}{"salary_method": "cash"}, conversation.Completed},
		{"adult agent", conversation.AgentAgeCheck, map[string]interface{}{"age_category": "18+"}, conversation.AgentProvince},
		{"underage agent", conversation.AgentAgeCheck, map[string]interface{}{"age_category": "17-"}, conversation.AgentUnderage},
		{"offer taken", conversation.AgentOfferAfterReject, map[string]interface{}{"agent_application_started": true}, conversation.AgentAgeCheck},
		{"offer declined", conversation.AgentOfferAfterReject, map[string]interface{}{"outcome": "declined_agent_offer"}, conversation.Completed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextStep(tt.from, view(tt.data))
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSuccessors_EarlyExitsAcceptCompleted(t *testing.T) {
	tests := []struct {
		name string
		from conversation.Step
		data map[string]interface{}
		want []conversation.Step
	}{
		{"cash menu", conversation.MicroBizMainMenu, map[string]interface{}{"main_menu_choice": "2", "outcome": "redirected_to_website"}, []conversation.Step{conversation.RedirectCash, conversation.Completed}},
		{"training answered", conversation.TrainingQuestion, map[string]interface{}{"wants_training": true}, []conversation.Step{conversation.RedirectCredit, conversation.Completed}},
		{"too young", conversation.AgentAgeCheck, map[string]interface{}{"age_category": "17-"}, []conversation.Step{conversation.AgentUnderage, conversation.Completed}},
		{"ordinary step", conversation.EmploymentCheck, map[string]interface{}{"is_employed": true}, []conversation.Step{conversation.FormalEmploymentCheck}},
		{"unanswered", conversation.EmploymentCheck, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Successors(tt.from, view(tt.data)))
		})
	}
}
