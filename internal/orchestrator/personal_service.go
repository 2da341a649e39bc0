package orchestrator

import (
	"context"
	"strings"
	"time"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/formdata"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/statemachine/conversation"
	"application-lifecycle/internal/statemachine/decision"
)

const (
	ServiceVacation          = "vacation"
	ServiceSchoolFees        = "school_fees"
	ServiceDrivingLicense    = "driving_license"
	ServiceFuneralCover      = "funeral_cover"
	ServicePoultry           = "poultry"
	ServiceGroceries         = "groceries"
	ServiceBuildingMaterials = "building_materials"
	ServiceOther             = "other"
)

// serviceKeywords is checked in order; the first type with a matching
// keyword wins.
var serviceKeywords = []struct {
	serviceType string
	keywords    []string
}{
	{ServiceVacation, []string{"vacation", "holiday", "zimparks"}},
	{ServiceSchoolFees, []string{"school", "education", "fees"}},
	{ServiceDrivingLicense, []string{"license", "driving"}},
	{ServiceFuneralCover, []string{"funeral", "cover"}},
	{ServicePoultry, []string{"chicken", "poultry", "broiler", "layer"}},
	{ServiceGroceries, []string{"grocery", "groceries", "tuckshop", "food"}},
	{ServiceBuildingMaterials, []string{"building", "material", "cement", "brick", "timber", "roofing"}},
	{ServiceOther, []string{"personal service"}},
}

// DetectPersonalService classifies the product text of a form. ok is false
// when the application is not for a personal service.
func DetectPersonalService(v formdata.View) (serviceType string, ok bool) {
	text := v.ProductText()
	if text == "" {
		return "", false
	}
	for _, entry := range serviceKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.serviceType, true
			}
		}
	}
	return "", false
}

// DetailsUpdater is the part of Service the hooks write through.
type DetailsUpdater interface {
	UpdateDetails(ctx context.Context, sessionID string, upd DetailsUpdate) (*models.ApplicationState, error)
}

// PersonalServiceHook records metadata.personal_service once, when an
// application for a personal service is approved or its conversation
// completes.
type PersonalServiceHook struct {
	updater DetailsUpdater
	logger  logger.Logger
	now     func() time.Time
}

func NewPersonalServiceHook(updater DetailsUpdater, log logger.Logger) *PersonalServiceHook {
	return &PersonalServiceHook{
		updater: updater,
		logger:  log.WithFields(map[string]interface{}{"hook": "personal-service"}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *PersonalServiceHook) Name() string { return "personal-service" }

func (h *PersonalServiceHook) AfterCommit(ctx context.Context, state *models.ApplicationState, change models.StatusChange) error {
	if change.New != string(decision.Approved) && change.New != string(conversation.Completed) {
		return nil
	}
	if _, exists := state.Metadata["personal_service"]; exists {
		return nil
	}

	view := formdata.NewView(state.FormData)
	serviceType, ok := DetectPersonalService(view)
	if !ok {
		return nil
	}

	record := map[string]interface{}{
		"type":        serviceType,
		"client_name": view.ApplicantName(),
		"detected_at": h.now().Format(time.RFC3339),
	}
	if state.ReferenceCode != "" {
		record["reference_code"] = state.ReferenceCode
	}
	if _, err := h.updater.UpdateDetails(ctx, state.SessionID, DetailsUpdate{
		MetadataPatch: map[string]interface{}{"personal_service": record},
	}); err != nil {
		return err
	}

	h.logger.Info("Recorded personal service", map[string]interface{}{
		"sessionId":   state.SessionID,
		"serviceType": serviceType,
	})
	return nil
}
