package staging

import "github.com/shopspring/decimal"

// Row is one staging record keyed by canonical field name, values still raw.
type Row map[string]string

// Record is the canonical rotation record after normalization. Quantities and
// money are decimals; anything the source did not provide is zero.
type Record struct {
	CodigoProducto      string
	NombreProducto      string
	VentaUnidades       decimal.Decimal
	VentaCajas          decimal.Decimal
	VentaBlisters       decimal.Decimal
	CostoUnitario       decimal.Decimal
	PrecioVentaUnitario decimal.Decimal
	CostoTotal          decimal.Decimal
	VentaTotal          decimal.Decimal
	InventarioUnidades  decimal.Decimal
	CodigoPdv           string
}

// RecordFromRow builds a canonical rotation record from a normalized row.
// The PDV code is stamped later by the orchestrator, which knows the source
// table identity.
func RecordFromRow(row Row) Record {
	return Record{
		CodigoProducto:      row["codigo"],
		NombreProducto:      row["nombre"],
		VentaUnidades:       ParseDecimal(row["venta_unidad"]),
		VentaCajas:          ParseDecimal(row["venta_caja"]),
		VentaBlisters:       ParseDecimal(row["venta_blister"]),
		CostoUnitario:       ParseDecimal(row["costo_unitario"]),
		PrecioVentaUnitario: ParseDecimal(row["precio_venta_unitario"]),
		CostoTotal:          ParseDecimal(row["costo_total"]),
		VentaTotal:          ParseDecimal(row["venta_total"]),
		InventarioUnidades:  ParseDecimal(row["inventario_unidad"]),
	}
}
