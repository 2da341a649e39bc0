package formdata

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Fallback key orders. Channels have named the same answer differently over
// time; the first path holding a non-empty value wins.
var (
	languagePaths      = []string{"language", "formResponses.language"}
	intentPaths        = []string{"intent", "formResponses.intent"}
	employerPaths      = []string{"employer", "employerType", "formResponses.employer"}
	hasAccountPaths    = []string{"hasAccount", "formResponses.hasAccount"}
	nationalIDPaths    = []string{"formResponses.idNumber", "formResponses.nationalIdNumber", "formResponses.nationalId", "formResponses.national_id_number", "idNumber", "nationalIdNumber", "nationalId", "national_id_number"}
	phonePaths         = []string{"formResponses.phone", "formResponses.phoneNumber", "formResponses.mobile", "phone", "phoneNumber", "mobile"}
	emailPaths         = []string{"formResponses.email", "formResponses.emailAddress", "email"}
	firstNamePaths     = []string{"formResponses.firstName", "formResponses.first_name", "firstName"}
	lastNamePaths      = []string{"formResponses.lastName", "formResponses.surname", "formResponses.last_name", "lastName", "surname"}
	menuChoicePaths    = []string{"menuChoice", "menu_choice", "main_menu_choice"}
	ageConfirmPaths    = []string{"ageConfirmation", "age_confirmation"}
	ageCategoryPaths   = []string{"age_category", "ageCategory"}
	agePaths           = []string{"age", "formResponses.age"}
	employedPaths      = []string{"isEmployed", "is_employed", "employment_status"}
	formalPaths        = []string{"isFormallyEmployed", "is_formally_employed", "formal_employment"}
	unemploymentPaths  = []string{"unemploymentCategory", "unemployment_category"}
	employerCatPaths   = []string{"employerCategory", "employer_category"}
	salaryMethodPaths  = []string{"salaryMethod", "salary_method", "sme_salary_method"}
	beneficiaryPaths   = []string{"beneficiary", "beneficiary_question"}
	agentOfferPaths    = []string{"acceptsAgentOffer", "agent_offer", "agent_application_started"}
	outcomePaths       = []string{"outcome"}
	productSearchPaths = []string{"category", "business", "productName", "selectedProduct.name", "selectedProduct.category", "product", "formResponses.purpose", "formResponses.loanPurpose"}
)

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]`)

// View is a read-only snapshot of a form document. Every lookup that
// business logic performs against form data goes through one of its
// accessors.
type View struct {
	raw string
}

// NewView snapshots data. A document that cannot be encoded yields an empty
// view; form data always arrives as decoded JSON so that only happens for
// programming errors.
func NewView(data map[string]interface{}) View {
	b, err := json.Marshal(data)
	if err != nil {
		return View{raw: "{}"}
	}
	return View{raw: string(b)}
}

// First returns the first path that resolves to a non-empty value.
func (v View) First(paths ...string) gjson.Result {
	for _, p := range paths {
		r := gjson.Get(v.raw, p)
		if r.Exists() && r.Type != gjson.Null && strings.TrimSpace(r.String()) != "" {
			return r
		}
	}
	return gjson.Result{}
}

func (v View) str(paths []string) string {
	return strings.TrimSpace(v.First(paths...).String())
}

func (v View) Language() string   { return strings.ToLower(v.str(languagePaths)) }
func (v View) Intent() string     { return v.str(intentPaths) }
func (v View) Employer() string   { return strings.ToLower(v.str(employerPaths)) }
func (v View) MenuChoice() string { return v.str(menuChoicePaths) }
func (v View) Email() string      { return v.str(emailPaths) }
func (v View) Phone() string      { return v.str(phonePaths) }

func (v View) EmployerCategory() string     { return strings.ToLower(v.str(employerCatPaths)) }
func (v View) UnemploymentCategory() string { return strings.ToLower(v.str(unemploymentPaths)) }
func (v View) SalaryMethod() string         { return strings.ToLower(v.str(salaryMethodPaths)) }
func (v View) Beneficiary() string          { return strings.ToLower(v.str(beneficiaryPaths)) }

// Outcome is the reason the bot recorded when it ended a conversation early,
// e.g. "declined_agent_offer".
func (v View) Outcome() string { return strings.ToLower(v.str(outcomePaths)) }

// HasAccount reports an explicit account answer; ok is false when the
// applicant has not answered yet.
func (v View) HasAccount() (has bool, ok bool) {
	return v.yesNo(hasAccountPaths)
}

func (v View) Employed() (bool, bool)          { return v.yesNo(employedPaths) }
func (v View) FormallyEmployed() (bool, bool)  { return v.yesNo(formalPaths) }
func (v View) AcceptsAgentOffer() (bool, bool) { return v.yesNo(agentOfferPaths) }

// AgeConfirmed reports the answer to "are you 18 or older". A numeric age
// wins over the bot's age_category ("18+" or "17-"), which wins over the
// menu answer.
func (v View) AgeConfirmed() (adult bool, ok bool) {
	if age := v.First(agePaths...); age.Exists() && age.Type == gjson.Number {
		return age.Int() >= 18, true
	}
	switch v.str(ageCategoryPaths) {
	case "18+":
		return true, true
	case "17-":
		return false, true
	}
	return v.yesNo(ageConfirmPaths)
}

// NationalID returns the national id normalized to uppercase alphanumerics.
func (v View) NationalID() string {
	return nonAlnum.ReplaceAllString(strings.ToUpper(v.str(nationalIDPaths)), "")
}

// ApplicantName is "first last", falling back to "Applicant".
func (v View) ApplicantName() string {
	name := strings.TrimSpace(v.str(firstNamePaths) + " " + v.str(lastNamePaths))
	if name == "" {
		return "Applicant"
	}
	return name
}

// ProductText concatenates every field that describes what the applicant is
// buying, lowercased, for keyword matching.
func (v View) ProductText() string {
	var parts []string
	for _, p := range productSearchPaths {
		if r := gjson.Get(v.raw, p); r.Exists() && r.Type == gjson.String {
			parts = append(parts, r.String())
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// yesNo reads a boolean-ish answer: true/false, "yes"/"no", "1"/"2" as sent
// by numbered WhatsApp menus.
func (v View) yesNo(paths []string) (bool, bool) {
	r := v.First(paths...)
	if !r.Exists() {
		return false, false
	}
	switch r.Type {
	case gjson.True:
		return true, true
	case gjson.False:
		return false, true
	}
	switch strings.ToLower(strings.TrimSpace(r.String())) {
	case "yes", "y", "true", "1":
		return true, true
	case "no", "n", "false", "2":
		return false, true
	}
	return false, false
}
