package orchestrator

import (
	"strings"

	"application-lifecycle/internal/formdata"
	"application-lifecycle/internal/statemachine/conversation"
)

// nextFunc computes the step that follows a conversation step given the
// merged form data. ok is false when the answers needed to branch are not
// there yet.
type nextFunc func(v formdata.View) (next conversation.Step, ok bool)

func always(s conversation.Step) nextFunc {
	return func(formdata.View) (conversation.Step, bool) { return s, true }
}

// flow is the conversation decision table. Terminal steps have no entry.
var flow = map[conversation.Step]nextFunc{
	conversation.New:      always(conversation.Language),
	conversation.Language: always(conversation.Intent),
	conversation.Intent: func(v formdata.View) (conversation.Step, bool) {
		if v.Intent() == "" {
			return "", false
		}
		return conversation.Employer, true
	},
	conversation.Employer: func(v formdata.View) (conversation.Step, bool) {
		if v.Employer() == "" {
			return "", false
		}
		if isSSBEmployee(v) {
			return conversation.Product, true
		}
		return conversation.Account, true
	},
	conversation.Account:   always(conversation.Product),
	conversation.Product:   always(conversation.Summary),
	conversation.Summary:   always(conversation.Form),
	conversation.Form:      always(conversation.Documents),
	conversation.Documents: always(conversation.Completed),

	conversation.MicroBizMainMenu: func(v formdata.View) (conversation.Step, bool) {
		switch menuChoice(v) {
		case "1":
			return conversation.AgentAgeCheck, true
		case "2", "4":
			return conversation.RedirectCash, true
		case "3", "5":
			return conversation.EmploymentCheck, true
		}
		return "", false
	},

	conversation.AgentAgeCheck: func(v formdata.View) (conversation.Step, bool) {
		underage, ok := isUnderage(v)
		if !ok {
			return "", false
		}
		if underage {
			return conversation.AgentUnderage, true
		}
		return conversation.AgentProvince, true
	},
	conversation.AgentProvince:       always(conversation.AgentName),
	conversation.AgentName:           always(conversation.AgentSurname),
	conversation.AgentSurname:        always(conversation.AgentGender),
	conversation.AgentGender:         always(conversation.AgentAgeRange),
	conversation.AgentAgeRange:       always(conversation.AgentVoiceNumber),
	conversation.AgentVoiceNumber:    always(conversation.AgentWhatsAppNumber),
	conversation.AgentWhatsAppNumber: always(conversation.AgentEcocashNumber),
	conversation.AgentEcocashNumber:  always(conversation.AgentIDUpload),
	conversation.AgentIDUpload:       always(conversation.AgentIDBackUpload),
	conversation.AgentIDBackUpload:   always(conversation.Completed),

	conversation.EmploymentCheck: branchYesNo(isEmployed, conversation.FormalEmploymentCheck, conversation.UnemploymentCategory),
	conversation.UnemploymentCategory: func(v formdata.View) (conversation.Step, bool) {
		if unemploymentCategory(v) == "" {
			return "", false
		}
		return conversation.AgentOfferAfterReject, true
	},
	conversation.AgentOfferAfterReject: branchYesNo(acceptsAgentOffer, conversation.AgentAgeCheck, conversation.Completed),
	conversation.FormalEmploymentCheck: branchYesNo(isFormallyEmployed, conversation.EmployerCategory, conversation.Completed),
	conversation.EmployerCategory: func(v formdata.View) (conversation.Step, bool) {
		switch employerCategory(v) {
		case "":
			return "", false
		case "sme":
			return conversation.SMESalaryMethod, true
		default:
			return conversation.BeneficiaryQuestion, true
		}
	},
	conversation.SMESalaryMethod: func(v formdata.View) (conversation.Step, bool) {
		switch salaryMethod(v) {
		case "cash":
			return conversation.Completed, true
		case "bank":
			return conversation.BeneficiaryQuestion, true
		}
		return "", false
	},
	conversation.BeneficiaryQuestion: func(v formdata.View) (conversation.Step, bool) {
		switch beneficiary(v) {
		case "other":
			return conversation.MonitoringQuestion, true
		case "self":
			return conversation.TrainingQuestion, true
		}
		return "", false
	},
	conversation.MonitoringQuestion: always(conversation.TrainingQuestion),
	conversation.TrainingQuestion:   always(conversation.RedirectCredit),
}

func branchYesNo(pred func(formdata.View) (bool, bool), yes, no conversation.Step) nextFunc {
	return func(v formdata.View) (conversation.Step, bool) {
		answer, ok := pred(v)
		if !ok {
			return "", false
		}
		if answer {
			return yes, true
		}
		return no, true
	}
}

// earlyExits are the terminals the WhatsApp bot records as completed with
// an outcome in the form data instead.
var earlyExits = map[conversation.Step]bool{
	conversation.AgentUnderage:  true,
	conversation.RedirectCash:   true,
	conversation.RedirectCredit: true,
}

// NextStep returns the step that follows from given the form data.
func NextStep(from conversation.Step, v formdata.View) (conversation.Step, bool) {
	fn, ok := flow[from]
	if !ok {
		return "", false
	}
	return fn(v)
}

// Successors lists every step from may move to. Completed is accepted
// wherever an early-exit terminal is.
func Successors(from conversation.Step, v formdata.View) []conversation.Step {
	next, ok := NextStep(from, v)
	if !ok {
		return nil
	}
	if earlyExits[next] {
		return []conversation.Step{next, conversation.Completed}
	}
	return []conversation.Step{next}
}

// Branch predicates.

func isSSBEmployee(v formdata.View) bool { return v.Employer() == "goz-ssb" }

func isUnderage(v formdata.View) (bool, bool) {
	adult, ok := v.AgeConfirmed()
	return !adult, ok
}

func menuChoice(v formdata.View) string { return strings.TrimSpace(v.MenuChoice()) }

func isEmployed(v formdata.View) (bool, bool) { return v.Employed() }
func isFormallyEmployed(v formdata.View) (bool, bool) { return v.FormallyEmployed() }

// acceptsAgentOffer falls back to the outcome the bot records on a decline.
func acceptsAgentOffer(v formdata.View) (bool, bool) {
	if accepted, ok := v.AcceptsAgentOffer(); ok {
		return accepted, true
	}
	if v.Outcome() == "declined_agent_offer" {
		return false, true
	}
	return false, false
}

func unemploymentCategory(v formdata.View) string { return v.UnemploymentCategory() }
func employerCategory(v formdata.View) string { return v.EmployerCategory() }
func salaryMethod(v formdata.View) string { return v.SalaryMethod() }
func beneficiary(v formdata.View) string { return v.Beneficiary() }
