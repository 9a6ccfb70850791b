// Package metrics derives the rotation and margin metrics stored on
// fact_rotacion. Everything here is pure; divisions short-circuit to their
// documented defaults before they are attempted.
package metrics

import "github.com/shopspring/decimal"

// Classification thresholds.
const (
	// DiasInventarioMax is the sentinel ceiling when there are no sales.
	DiasInventarioMax = 90.0
	// RotacionMax caps the monthly turnover ratio.
	RotacionMax = 30.0

	diasStockBajo   = 15.0
	diasStockOptimo = 45.0
	diasStockAlto   = 60.0

	rotacionClaseA = 2.0
	rotacionClaseB = 1.0

	margenAltaRentabilidad = 30.0
	diasStockCritico       = 7.0
)

// Input carries the normalized quantities a metric computation needs.
// VentaCajas is the canonical rotation driver; unit and blister counts are
// supplementary columns and never feed the turnover formulas.
type Input struct {
	VentaCajas         decimal.Decimal
	VentaTotal         decimal.Decimal
	CostoTotal         decimal.Decimal
	InventarioUnidades decimal.Decimal
}

// Result holds every derived metric for one record.
type Result struct {
	MargenBruto      decimal.Decimal
	MargenPorcentaje float64
	DiasInventario   float64
	RotacionMes      float64
	ClaseABC         string
	EstadoStock      string
	StockCritico     bool
	AltaRentabilidad bool
}

// Calculate derives all metrics for one record.
func Calculate(in Input) Result {
	res := Result{
		MargenBruto: in.VentaTotal.Sub(in.CostoTotal),
	}

	// Margin percentage: defined only when there are sales, clamped to
	// [0, 100]. Negative margins report 0%; the absolute margen_bruto keeps
	// the sign.
	if in.VentaTotal.IsPositive() {
		pct, _ := res.MargenBruto.Div(in.VentaTotal).Mul(decimal.NewFromInt(100)).Float64()
		res.MargenPorcentaje = clamp(pct, 0, 100)
	}

	// Days of inventory: stock lasts this many days at current velocity.
	// No sales means the sentinel ceiling, not a division.
	ventaCajas, _ := in.VentaCajas.Float64()
	if ventaCajas > 0 {
		inventario, _ := in.InventarioUnidades.Float64()
		res.DiasInventario = clamp(inventario*30/ventaCajas, 0, DiasInventarioMax)
	} else {
		res.DiasInventario = DiasInventarioMax
	}

	if res.DiasInventario > 0 {
		res.RotacionMes = clamp(30/res.DiasInventario, 0, RotacionMax)
	}

	res.ClaseABC = claseABC(res.RotacionMes)
	res.EstadoStock = estadoStock(res.DiasInventario)
	res.StockCritico = res.DiasInventario < diasStockCritico
	res.AltaRentabilidad = res.MargenPorcentaje > margenAltaRentabilidad

	return res
}

func claseABC(rotacion float64) string {
	switch {
	case rotacion >= rotacionClaseA:
		return "A"
	case rotacion >= rotacionClaseB:
		return "B"
	default:
		return "C"
	}
}

func estadoStock(dias float64) string {
	switch {
	case dias <= diasStockBajo:
		return "BAJO"
	case dias <= diasStockOptimo:
		return "ÓPTIMO"
	case dias <= diasStockAlto:
		return "ALTO"
	default:
		return "EXCESO"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
