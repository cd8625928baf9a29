package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
)

// ErrTestNotFound is returned when an A/B test is not found.
var ErrTestNotFound = persistence.ErrTestNotFound

// ABTest manages standalone A/B tests that workflow steps reference by ID.
type ABTest struct {
	persistence persistence.Persistence
}

func NewABTest(p persistence.Persistence) *ABTest {
	return &ABTest{persistence: p}
}

// CreateTestRequest declares a new test and its variants.
type CreateTestRequest struct {
	Name        string             `json:"name"         validate:"required,min=3"`
	SplitPolicy models.SplitPolicy `json:"split_policy"`
	Variants    []*models.Variant  `json:"variants"     validate:"required,min=2,dive"`
}

// Create stores a new active test with its variants.
func (s *ABTest) Create(ctx context.Context, req CreateTestRequest) (*models.ABTest, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, NewValidationError("CreateTest", "NAME_REQUIRED", "test name is required", ErrInvalidRequest)
	}

	now := time.Now().UTC()

	for _, variant := range req.Variants {
		if variant.ID == "" {
			variant.ID = uuid.New().String()
		}

		if variant.CreatedAt.IsZero() {
			variant.CreatedAt = now
		}

		if len(variant.Content) > 0 {
			if err := validateStepContent(variant.Content); err != nil {
				return nil, NewValidationError("CreateTest", "INVALID_VARIANT_CONTENT",
					fmt.Sprintf("variant %s: %v", variant.Label, err), ErrInvalidStepContent)
			}
		}
	}

	test, err := models.NewABTest(uuid.New().String(), req.Name, req.SplitPolicy, req.Variants)
	if err != nil {
		if errors.Is(err, models.ErrNotEnoughVariants) {
			return nil, ErrNotEnoughVariants
		}

		return nil, err
	}

	if err := s.persistence.VariantRepository().SaveAll(ctx, test.ID, test.Variants); err != nil {
		return nil, fmt.Errorf("failed to save variants: %w", err)
	}

	if err := s.persistence.ABTestRepository().Save(ctx, test); err != nil {
		return nil, fmt.Errorf("failed to save ab test: %w", err)
	}

	return test, nil
}

// FetchByID retrieves a test with its live variant counters.
func (s *ABTest) FetchByID(ctx context.Context, id string) (*models.ABTest, error) {
	test, err := s.persistence.ABTestRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return test, nil
}
