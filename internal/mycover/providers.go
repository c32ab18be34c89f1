package mycover

import (
	"fmt"
	"strings"

	"enrollment-service/internal/models"
)

// Provider is an insurer reachable through the MyCover gateway.
type Provider string

const (
	ProviderBastion Provider = "bastion"
	ProviderHygeia  Provider = "hygeia"
	ProviderWella   Provider = "wella"
	ProviderProton  Provider = "proton"
)

// planProviders maps portal plan ids to the insurer that underwrites them.
var planProviders = map[string]Provider{
	"basic":          ProviderBastion,
	"bastion-basic":  ProviderBastion,
	"bastion-plus":   ProviderBastion,
	"family":         ProviderHygeia,
	"hygeia-family":  ProviderHygeia,
	"hygeia-premium": ProviderHygeia,
	"wella-smart":    ProviderWella,
	"wella-flexi":    ProviderWella,
	"proton-lite":    ProviderProton,
	"proton-max":     ProviderProton,
}

// ResolveProvider finds the insurer for a plan id, first by catalog entry and
// then by a provider-name prefix such as "wella-".
func ResolveProvider(planID string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(planID))
	if p, ok := planProviders[key]; ok {
		return p, nil
	}
	for p := range providerSpecs {
		if strings.HasPrefix(key, string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("no insurer configured for plan %q", planID)
}

// providerSpec describes how to enroll a customer with one insurer.
type providerSpec struct {
	path      string
	productID string
	build     func(e *models.Enrollment, productID string) map[string]interface{}
}

var providerSpecs = map[Provider]providerSpec{
	ProviderBastion: {
		path:      "/products/bastion/buy",
		productID: "bastion-health-001",
		build:     buildBastion,
	},
	ProviderHygeia: {
		path:      "/products/hygeia/buy",
		productID: "hygeia-hmo-001",
		build:     buildHygeia,
	},
	ProviderWella: {
		path:      "/products/wella/buy",
		productID: "wella-health-001",
		build:     buildWella,
	},
	ProviderProton: {
		path:      "/products/proton/buy",
		productID: "proton-health-001",
		build:     buildProton,
	},
}

func enrollmentMeta(e *models.Enrollment) map[string]interface{} {
	return map[string]interface{}{
		"enrollment_id": e.ID,
		"user_id":       e.UserID,
	}
}

func buildBastion(e *models.Enrollment, productID string) map[string]interface{} {
	return map[string]interface{}{
		"first_name":   e.FirstName,
		"last_name":    e.LastName,
		"email":        e.Email,
		"phone_number": e.Phone,
		"dob":          e.DateOfBirth,
		"gender":       titleGender(e.Gender),
		"address":      e.Address,
		"product_id":   productID,
		"payment_plan": e.Duration,
		"meta":         enrollmentMeta(e),
	}
}

func buildHygeia(e *models.Enrollment, productID string) map[string]interface{} {
	return map[string]interface{}{
		"first_name":     e.FirstName,
		"last_name":      e.LastName,
		"email":          e.Email,
		"phone":          e.Phone,
		"date_of_birth":  e.DateOfBirth,
		"gender_id":      genderID(e.Gender),
		"marital_status": strings.ToLower(e.MaritalStatus),
		"address":        e.Address,
		"product_id":     productID,
		"plan_id":        e.PlanID,
		"meta":           enrollmentMeta(e),
	}
}

func buildWella(e *models.Enrollment, productID string) map[string]interface{} {
	return map[string]interface{}{
		"name":         strings.TrimSpace(e.FirstName + " " + e.LastName),
		"email":        e.Email,
		"phone_number": e.Phone,
		"dob":          e.DateOfBirth,
		"gender":       titleGender(e.Gender),
		"address":      e.Address,
		"product_id":   productID,
		"duration":     e.Duration,
		"meta":         enrollmentMeta(e),
	}
}

func buildProton(e *models.Enrollment, productID string) map[string]interface{} {
	return map[string]interface{}{
		"firstName":   e.FirstName,
		"lastName":    e.LastName,
		"email":       e.Email,
		"phoneNumber": e.Phone,
		"dateOfBirth": e.DateOfBirth,
		"sex":         strings.ToUpper(firstLetter(e.Gender)),
		"homeAddress": e.Address,
		"productId":   productID,
		"meta":        enrollmentMeta(e),
	}
}

func titleGender(g string) string {
	switch strings.ToLower(firstLetter(g)) {
	case "m":
		return "Male"
	case "f":
		return "Female"
	}
	return g
}

func genderID(g string) int {
	switch strings.ToLower(firstLetter(g)) {
	case "m":
		return 1
	case "f":
		return 2
	}
	return 0
}

func firstLetter(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return s[:1]
}
