package approval

import "fmt"

// Payload is a tagged union keyed by operation type. Exactly one variant is
// set; each variant carries the strongly typed core fields used for tamper
// detection. Extra holds non-core enrichment (derived/system fields added by
// handlers after approval) and never takes part in the core-field check.
type Payload struct {
	Kind OperationType `json:"kind"`

	Purchase            *PurchasePayload            `json:"purchase,omitempty"`
	CapitalEntry        *CapitalEntryPayload        `json:"capital_entry,omitempty"`
	SaleOrder           *SaleOrderPayload           `json:"sale_order,omitempty"`
	FinancialAdjustment *FinancialAdjustmentPayload `json:"financial_adjustment,omitempty"`
	UserRoleChange      *UserRoleChangePayload      `json:"user_role_change,omitempty"`
	SystemSettingChange *SystemSettingChangePayload `json:"system_setting_change,omitempty"`
	Warehouse           *WarehousePayload           `json:"warehouse,omitempty"`
	Shipping            *ShippingPayload            `json:"shipping,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// PurchasePayload: core fields are total, currency, supplier and weight.
type PurchasePayload struct {
	Total      int64   `json:"total"` // minor units
	Currency   string  `json:"currency"`
	SupplierID string  `json:"supplier_id"`
	WeightKG   float64 `json:"weight_kg"`
}

type CapitalEntryPayload struct {
	Amount    int64  `json:"amount"` // minor units
	Currency  string `json:"currency"`
	AccountID string `json:"account_id"`
	Direction string `json:"direction"` // deposit | withdrawal
}

type SaleOrderPayload struct {
	Total      int64  `json:"total"` // minor units
	Currency   string `json:"currency"`
	CustomerID string `json:"customer_id"`
	Items      int64  `json:"items"`
}

type FinancialAdjustmentPayload struct {
	Amount    int64  `json:"amount"` // minor units, signed
	Currency  string `json:"currency"`
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

type UserRoleChangePayload struct {
	UserID   string `json:"user_id"`
	FromRole Role   `json:"from_role"`
	ToRole   Role   `json:"to_role"`
}

type SystemSettingChangePayload struct {
	Key      string `json:"key"`
	NewValue string `json:"new_value"`
}

type WarehousePayload struct {
	WarehouseID string `json:"warehouse_id"`
	SKU         string `json:"sku"`
	Quantity    int64  `json:"quantity"`
}

type ShippingPayload struct {
	ShipmentID string  `json:"shipment_id"`
	CarrierID  string  `json:"carrier_id"`
	WeightKG   float64 `json:"weight_kg"`
}

// Validate checks that the variant matching Kind is populated.
func (p Payload) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown payload kind %q", ErrInvalidInput, p.Kind)
	}
	if p.variant() == nil {
		return fmt.Errorf("%w: payload variant for %s is missing", ErrInvalidInput, p.Kind)
	}
	return nil
}

func (p Payload) variant() any {
	switch p.Kind {
	case OpPurchase:
		if p.Purchase != nil {
			return p.Purchase
		}
	case OpCapitalEntry:
		if p.CapitalEntry != nil {
			return p.CapitalEntry
		}
	case OpSaleOrder:
		if p.SaleOrder != nil {
			return p.SaleOrder
		}
	case OpFinancialAdjustment:
		if p.FinancialAdjustment != nil {
			return p.FinancialAdjustment
		}
	case OpUserRoleChange:
		if p.UserRoleChange != nil {
			return p.UserRoleChange
		}
	case OpSystemSettingChange:
		if p.SystemSettingChange != nil {
			return p.SystemSettingChange
		}
	case OpWarehouseOperation:
		if p.Warehouse != nil {
			return p.Warehouse
		}
	case OpShippingOperation:
		if p.Shipping != nil {
			return p.Shipping
		}
	}
	return nil
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	out := p
	if p.Purchase != nil {
		v := *p.Purchase
		out.Purchase = &v
	}
	if p.CapitalEntry != nil {
		v := *p.CapitalEntry
		out.CapitalEntry = &v
	}
	if p.SaleOrder != nil {
		v := *p.SaleOrder
		out.SaleOrder = &v
	}
	if p.FinancialAdjustment != nil {
		v := *p.FinancialAdjustment
		out.FinancialAdjustment = &v
	}
	if p.UserRoleChange != nil {
		v := *p.UserRoleChange
		out.UserRoleChange = &v
	}
	if p.SystemSettingChange != nil {
		v := *p.SystemSettingChange
		out.SystemSettingChange = &v
	}
	if p.Warehouse != nil {
		v := *p.Warehouse
		out.Warehouse = &v
	}
	if p.Shipping != nil {
		v := *p.Shipping
		out.Shipping = &v
	}
	if p.Extra != nil {
		out.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// amountsMatch compares minor-unit amounts within max(1 minor unit, 0.1%).
// The tolerance absorbs decimal rounding, not meaningful drift.
func amountsMatch(approved, executed int64) bool {
	tol := approved / 1000
	if tol < 0 {
		tol = -tol
	}
	if tol < 1 {
		tol = 1
	}
	diff := approved - executed
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol
}

// floatsMatch compares float core fields within max(0.01, 0.1%).
func floatsMatch(approved, executed float64) bool {
	tol := approved * 0.001
	if tol < 0 {
		tol = -tol
	}
	if tol < 0.01 {
		tol = 0.01
	}
	diff := approved - executed
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol
}

// CoreFieldMismatch compares the security-material fields of the approved
// snapshot against the executing payload. It returns the first offending
// field name, or "" when all core fields match. Numeric fields use the
// rounding tolerance; strings must match exactly. Extra is ignored so that
// handlers may enrich payloads after approval without breaking validation.
func CoreFieldMismatch(approved, executed Payload) string {
	if approved.Kind != executed.Kind {
		return "kind"
	}
	if approved.variant() == nil || executed.variant() == nil {
		return "payload"
	}
	switch approved.Kind {
	case OpPurchase:
		a, e := approved.Purchase, executed.Purchase
		switch {
		case !amountsMatch(a.Total, e.Total):
			return "total"
		case a.Currency != e.Currency:
			return "currency"
		case a.SupplierID != e.SupplierID:
			return "supplier_id"
		case !floatsMatch(a.WeightKG, e.WeightKG):
			return "weight_kg"
		}
	case OpCapitalEntry:
		a, e := approved.CapitalEntry, executed.CapitalEntry
		switch {
		case !amountsMatch(a.Amount, e.Amount):
			return "amount"
		case a.Currency != e.Currency:
			return "currency"
		case a.AccountID != e.AccountID:
			return "account_id"
		case a.Direction != e.Direction:
			return "direction"
		}
	case OpSaleOrder:
		a, e := approved.SaleOrder, executed.SaleOrder
		switch {
		case !amountsMatch(a.Total, e.Total):
			return "total"
		case a.Currency != e.Currency:
			return "currency"
		case a.CustomerID != e.CustomerID:
			return "customer_id"
		case a.Items != e.Items:
			return "items"
		}
	case OpFinancialAdjustment:
		a, e := approved.FinancialAdjustment, executed.FinancialAdjustment
		switch {
		case !amountsMatch(a.Amount, e.Amount):
			return "amount"
		case a.Currency != e.Currency:
			return "currency"
		case a.AccountID != e.AccountID:
			return "account_id"
		}
	case OpUserRoleChange:
		a, e := approved.UserRoleChange, executed.UserRoleChange
		switch {
		case a.UserID != e.UserID:
			return "user_id"
		case a.FromRole != e.FromRole:
			return "from_role"
		case a.ToRole != e.ToRole:
			return "to_role"
		}
	case OpSystemSettingChange:
		a, e := approved.SystemSettingChange, executed.SystemSettingChange
		switch {
		case a.Key != e.Key:
			return "key"
		case a.NewValue != e.NewValue:
			return "new_value"
		}
	case OpWarehouseOperation:
		a, e := approved.Warehouse, executed.Warehouse
		switch {
		case a.WarehouseID != e.WarehouseID:
			return "warehouse_id"
		case a.SKU != e.SKU:
			return "sku"
		case a.Quantity != e.Quantity:
			return "quantity"
		}
	case OpShippingOperation:
		a, e := approved.Shipping, executed.Shipping
		switch {
		case a.ShipmentID != e.ShipmentID:
			return "shipment_id"
		case a.CarrierID != e.CarrierID:
			return "carrier_id"
		case !floatsMatch(a.WeightKG, e.WeightKG):
			return "weight_kg"
		}
	}
	return ""
}
