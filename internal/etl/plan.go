package etl

import (
	"github.com/tejusbharadwaj/posterflow/internal/flatten"
)

// WriteMode selects how an entity's table is written.
type WriteMode int

const (
	// Overwrite replaces the whole table. Used for reference data.
	Overwrite WriteMode = iota
	// AppendDedup adds rows whose id is not yet stored. Used for dated data.
	AppendDedup
)

func (m WriteMode) String() string {
	if m == AppendDedup {
		return "append"
	}
	return "overwrite"
}

// ItemSpec describes the child table flattened out of an entity.
type ItemSpec struct {
	Table   string
	Flatten flatten.Spec
}

// EntitySpec says where the records of one registry endpoint go.
type EntitySpec struct {
	Name    string
	Table   string
	IDField string
	Mode    WriteMode
	Items   *ItemSpec
}

// Entity names with special handling in reports.
const (
	EntityTransactions = "transactions"
	EntitySupplies     = "supplies"

	TableTransactionItems = "transaction_items"
	TableSupplyItems      = "supply_items"
)

// TransactionItems flattens the products of dash.getTransactions into one
// row per sold line item.
var TransactionItems = flatten.Spec{
	NestedField:    "products",
	CarryFields:    []string{"transaction_id", "date_close", "spot_id"},
	MoneyFields:    []string{"payed_sum", "product_sum"},
	QuantityFields: []string{"count", "num"},
	TotalFields:    []string{"payed_sum", "product_sum", "sum"},
	RowIDField:     "item_id",
	ParentIDField:  "transaction_id",
}

// SupplyItems flattens the ingredients of storage.getSupplies.
var SupplyItems = flatten.Spec{
	NestedField:    "ingredients",
	CarryFields:    []string{"supply_id", "date", "supplier_id", "storage_id"},
	MoneyFields:    []string{"supply_ingredient_sum"},
	QuantityFields: []string{"supply_ingredient_num", "num"},
	TotalFields:    []string{"supply_ingredient_sum"},
	RowIDField:     "item_id",
	ParentIDField:  "supply_id",
}

// DefaultPlan lists the synced entities in sync order. Transactions come
// first so a dashboard refresh is not held up by reference data.
func DefaultPlan() []EntitySpec {
	return []EntitySpec{
		{
			Name:    EntityTransactions,
			Table:   "transactions",
			IDField: "transaction_id",
			Mode:    AppendDedup,
			Items:   &ItemSpec{Table: TableTransactionItems, Flatten: TransactionItems},
		},
		{Name: "products", Table: "products", IDField: "product_id", Mode: Overwrite},
		{Name: "categories", Table: "categories", IDField: "category_id", Mode: Overwrite},
		{Name: "ingredients", Table: "ingredients", IDField: "ingredient_id", Mode: Overwrite},
		{Name: "employees", Table: "employees", IDField: "user_id", Mode: Overwrite},
		{
			Name:    EntitySupplies,
			Table:   "supplies",
			IDField: "supply_id",
			Mode:    AppendDedup,
			Items:   &ItemSpec{Table: TableSupplyItems, Flatten: SupplyItems},
		},
	}
}
