package registry

// NotificationRecord is one upstream notification. A notification may carry
// zero, one or many vehicle sub-records; when the Vehicles slice is empty the
// notification-level plate/model/UF fields describe the single vehicle.
// Dates arrive as strings in whatever format the registry felt like sending
// and are parsed downstream.
type NotificationRecord struct {
	ExternalID       string        `json:"id"`
	CreditorName     string        `json:"creditor_name"`
	ContractNumber   string        `json:"contract_number"`
	DebtorName       string        `json:"debtor_name"`
	DebtorTaxID      string        `json:"debtor_tax_id"`
	Protocol         string        `json:"protocol"`
	Stage            string        `json:"stage"`
	SeizureStatus    string        `json:"seizure_status"`
	RequestDate      string        `json:"request_date"`
	LastMovementDate string        `json:"last_movement_date"`
	UF               string        `json:"uf"`
	City             string        `json:"city"`
	VehicleModel     string        `json:"vehicle_model"`
	Plate            string        `json:"plate"`
	Vehicles         []VehicleItem `json:"vehicles,omitempty"`
}

// VehicleItem is an explicit vehicle sub-record inside a notification.
type VehicleItem struct {
	Plate        string `json:"plate"`
	VehicleModel string `json:"vehicle_model"`
	UF           string `json:"uf"`
}

// ContractDetail is the response of a single-contract lookup.
type ContractDetail struct {
	NotificationRecord
	CancelledAt string `json:"cancelled_at,omitempty"`
}

type tokenRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

type contractRequest struct {
	ContractNumber string `json:"contract_number"`
}
