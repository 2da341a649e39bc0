// Package conversation enumerates the steps of the guided intake flow shared
// by the web wizard and the WhatsApp bot. Which step follows which depends on
// accumulated form data, so no transition table lives here.
package conversation

import "fmt"

// Step is one stage of the intake conversation.
type Step string

const (
	New       Step = "new"
	Language  Step = "language"
	Intent    Step = "intent"
	Employer  Step = "employer"
	Account   Step = "account"
	Product   Step = "product"
	Summary   Step = "summary"
	Form      Step = "form"
	Documents Step = "documents"
	Completed Step = "completed"

	MicroBizMainMenu Step = "microbiz_main_menu"

	AgentAgeCheck       Step = "agent_age_check"
	AgentUnderage       Step = "agent_underage"
	AgentProvince       Step = "agent_province"
	AgentName           Step = "agent_name"
	AgentSurname        Step = "agent_surname"
	AgentGender         Step = "agent_gender"
	AgentAgeRange       Step = "agent_age_range"
	AgentVoiceNumber    Step = "agent_voice_number"
	AgentWhatsAppNumber Step = "agent_whatsapp_number"
	AgentEcocashNumber  Step = "agent_ecocash_number"
	AgentIDUpload       Step = "agent_id_upload"
	AgentIDBackUpload   Step = "agent_id_back_upload"

	AgentOfferAfterReject Step = "agent_offer_after_rejection"

	EmploymentCheck       Step = "employment_check"
	FormalEmploymentCheck Step = "formal_employment_check"
	UnemploymentCategory  Step = "unemployment_category"
	EmployerCategory      Step = "employer_category"
	SMESalaryMethod       Step = "sme_salary_method"
	BeneficiaryQuestion   Step = "beneficiary_question"
	MonitoringQuestion    Step = "monitoring_question"
	TrainingQuestion      Step = "training_question"

	RedirectCash   Step = "redirect_cash"
	RedirectCredit Step = "redirect_credit"
)

type stepInfo struct {
	description string
	terminal    bool
}

var steps = map[Step]stepInfo{
	New:       {description: "New Conversation"},
	Language:  {description: "Language Selection"},
	Intent:    {description: "Intent Selection"},
	Employer:  {description: "Employer Selection"},
	Account:   {description: "Account Verification"},
	Product:   {description: "Product Selection"},
	Summary:   {description: "Application Summary"},
	Form:      {description: "Application Form"},
	Documents: {description: "Document Upload"},
	Completed: {description: "Completed", terminal: true},

	MicroBizMainMenu: {description: "Main Menu"},

	AgentAgeCheck:         {description: "Agent Application - Age Check"},
	AgentUnderage:         {description: "Agent Application - Underage", terminal: true},
	AgentProvince:         {description: "Agent Application - Province"},
	AgentName:             {description: "Agent Application - Name"},
	AgentSurname:          {description: "Agent Application - Surname"},
	AgentGender:           {description: "Agent Application - Gender"},
	AgentAgeRange:         {description: "Agent Application - Age Range"},
	AgentVoiceNumber:      {description: "Agent Application - Voice Number"},
	AgentWhatsAppNumber:   {description: "Agent Application - WhatsApp Number"},
	AgentEcocashNumber:    {description: "Agent Application - EcoCash Number"},
	AgentIDUpload:         {description: "Agent Application - ID Upload"},
	AgentIDBackUpload:     {description: "Agent Application - ID Back Upload"},
	AgentOfferAfterReject: {description: "Agent Offer After Rejection"},

	EmploymentCheck:       {description: "Credit Check - Employment Status"},
	FormalEmploymentCheck: {description: "Credit Check - Formal Employment"},
	UnemploymentCategory:  {description: "Credit Check - Unemployment Category"},
	EmployerCategory:      {description: "Credit Check - Employer Category"},
	SMESalaryMethod:       {description: "Credit Check - SME Salary Method"},
	BeneficiaryQuestion:   {description: "Credit Check - Beneficiary"},
	MonitoringQuestion:    {description: "Credit Check - Monitoring"},
	TrainingQuestion:      {description: "Credit Check - Training"},

	RedirectCash:   {description: "Redirect - Cash Purchase", terminal: true},
	RedirectCredit: {description: "Redirect - Credit Application", terminal: true},
}

// Parse converts a raw value into a Step. Unknown values are rejected rather
// than mapped to a default; they mean the client is out of sync.
func Parse(raw string) (Step, error) {
	s := Step(raw)
	if _, ok := steps[s]; !ok {
		return "", fmt.Errorf("unknown conversation step %q", raw)
	}
	return s, nil
}

// IsStep reports whether raw belongs to the conversation vocabulary.
func IsStep(raw string) bool {
	_, ok := steps[Step(raw)]
	return ok
}

func (s Step) String() string { return string(s) }

// IsTerminal reports whether the conversation ends at s.
func (s Step) IsTerminal() bool {
	return steps[s].terminal
}

// IsCompletion reports whether an application may be finalized from s.
func (s Step) IsCompletion() bool {
	return s == Completed
}

// IsEntry reports whether a new session may start at s.
func (s Step) IsEntry() bool {
	return s == New || s == Language || s == MicroBizMainMenu
}

// Describe returns a stable, non-localized label.
func (s Step) Describe() string {
	if info, ok := steps[s]; ok {
		return info.description
	}
	return "Unknown State"
}
