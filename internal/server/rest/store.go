package rest

import (
	"github.com/opendmtp/server/internal/model"
)

// Store is the subset of internal/model's store interfaces the REST admin
// API uses. Defining it locally — rather than depending on a concrete
// store package — lets handlers be tested against an in-memory fake
// without a live database.
type Store interface {
	model.AccountStore
	model.DeviceStore
	model.TemplateStore
}
