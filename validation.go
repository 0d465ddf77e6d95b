package identity

import (
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

func validateEmail(email string) error {
	return invalidInput(validation.Validate(email,
		validation.Required,
		validation.Length(3, 254),
		is.Email,
	))
}

func validateID(name, id string) error {
	err := validation.Validate(id, validation.Required, validation.Length(1, 128))
	if err != nil {
		return invalidInput(validation.Errors{name: err})
	}
	return nil
}

func validateRedirectURI(uri string) error {
	return invalidInput(validation.Validate(uri,
		validation.Required,
		is.URL,
	))
}

// Validate checks a link request before any store access.
func (r LinkRequest) Validate() error {
	return invalidInput(validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.Required),
		validation.Field(&r.Provider, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Subject, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Email, is.Email),
		validation.Field(&r.AvatarURL, is.URL),
	))
}

// Validate checks a decoded billing event.
func (e BillingWebhookEvent) Validate() error {
	return invalidInput(validation.ValidateStruct(&e,
		validation.Field(&e.ID, validation.Required, validation.Length(1, 255)),
		validation.Field(&e.Type, validation.Required, validation.In(
			BillingCheckoutCompleted,
			BillingSubscriptionUpdated,
			BillingSubscriptionDeleted,
			BillingInvoicePaid,
		)),
		validation.Field(&e.UserID, validation.Required),
	))
}
