package seckill_test

import (
	"testing"

	"github.com/dcbickfo/flashsale/internal/redistest"
	"github.com/dcbickfo/flashsale/seckill"
)

// BenchmarkAdmission_Admit benchmarks the admission script; most users are
// turned away once stock runs out.
func BenchmarkAdmission_Admit(b *testing.B) {
	store, _ := redistest.New(b)
	a := seckill.NewAdmission(store, seckill.AdmissionOption{})
	if err := a.SeedStock(b.Context(), 7, 1000); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := a.Admit(b.Context(), int64(i), 7); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkProducer_Enqueue benchmarks appending order intents.
func BenchmarkProducer_Enqueue(b *testing.B) {
	store, _ := redistest.New(b)
	p := seckill.NewProducer(store, "")

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		intent := seckill.OrderIntent{OrderID: int64(i), UserID: int64(i), VoucherID: 7}
		if _, err := p.Enqueue(b.Context(), intent); err != nil {
			b.Fatal(err)
		}
	}
}
