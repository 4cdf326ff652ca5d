package storage

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics Prometheus-метрики подсистемы сохранения. Методы безопасны
// для nil-получателя.
type Metrics struct {
	saves          *prometheus.CounterVec
	duration       prometheus.Histogram
	chunksWritten  prometheus.Counter
	playersWritten prometheus.Counter
	bytesWritten   prometheus.Counter
	unsavedChunks  prometheus.Gauge
	unsavedPlayers prometheus.Gauge
}

// NewMetrics создает метрики и регистрирует их в reg (если reg не nil)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldsave",
			Name:      "transactions_total",
			Help:      "Число завершенных транзакций сохранения по результату.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "worldsave",
			Name:      "transaction_duration_seconds",
			Help:      "Длительность транзакции сохранения.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		chunksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldsave",
			Name:      "chunks_written_total",
			Help:      "Число записанных хранилищ чанков.",
		}),
		playersWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldsave",
			Name:      "players_written_total",
			Help:      "Число записанных хранилищ игроков.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldsave",
			Name:      "bytes_written_total",
			Help:      "Байт записано в каталог транзакции.",
		}),
		unsavedChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worldsave",
			Name:      "unloaded_unsaved_chunks",
			Help:      "Выгруженные, но еще не сохраненные чанки.",
		}),
		unsavedPlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worldsave",
			Name:      "unloaded_unsaved_players",
			Help:      "Отключившиеся, но еще не сохраненные игроки.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.saves, m.duration, m.chunksWritten, m.playersWritten,
			m.bytesWritten, m.unsavedChunks, m.unsavedPlayers)
	}
	return m
}

func (m *Metrics) observeResult(res *TransactionResult) {
	if m == nil || res == nil {
		return
	}
	label := "succeeded"
	if !res.Succeeded() {
		label = "failed"
	}
	m.saves.WithLabelValues(label).Inc()
	m.duration.Observe(res.Finished.Sub(res.Started).Seconds())
	if res.Succeeded() {
		m.chunksWritten.Add(float64(res.Chunks))
		m.playersWritten.Add(float64(res.Players))
	}
}

func (m *Metrics) addBytes(n int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) setUnsaved(chunks, players int) {
	if m == nil {
		return
	}
	m.unsavedChunks.Set(float64(chunks))
	m.unsavedPlayers.Set(float64(players))
}

// GatherSummary собирает метрики g в плоскую сводку "имя{метки}" -> значение.
// Гистограммы дают пару _count и _sum.
func GatherSummary(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("ошибка сбора метрик: %w", err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			suffix := ""
			if len(labels) > 0 {
				suffix = "{" + strings.Join(labels, ",") + "}"
			}
			name := mf.GetName()
			switch {
			case metric.GetCounter() != nil:
				out[name+suffix] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[name+suffix] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[name+"_count"+suffix] = float64(metric.GetHistogram().GetSampleCount())
				out[name+"_sum"+suffix] = metric.GetHistogram().GetSampleSum()
			}
		}
	}
	return out, nil
}
