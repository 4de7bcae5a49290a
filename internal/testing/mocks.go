package testing

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/aristath/backtester/internal/domain"
)

// MockReporter is a testify mock of domain.Reporter.
type MockReporter struct {
	mock.Mock
}

// NewMockReporter returns a reporter mock that accepts every call.
func NewMockReporter() *MockReporter {
	m := &MockReporter{}
	m.On("RecordTrades", mock.Anything).Return(nil).Maybe()
	m.On("RecordRejects", mock.Anything).Return(nil).Maybe()
	m.On("RecordDay", mock.Anything).Return(nil).Maybe()
	m.On("RecordPositions", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("RecordConstraintHits", mock.Anything).Return(nil).Maybe()
	m.On("RecordLegWeights", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("RecordBlendedWeights", mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

func (m *MockReporter) RecordTrades(fills []domain.TradeFill) error {
	return m.Called(fills).Error(0)
}

func (m *MockReporter) RecordRejects(rejects []domain.ExecutionReject) error {
	return m.Called(rejects).Error(0)
}

func (m *MockReporter) RecordDay(metrics domain.DailyMetrics) error {
	return m.Called(metrics).Error(0)
}

func (m *MockReporter) RecordPositions(date time.Time, rows []domain.PositionRow) error {
	return m.Called(date, rows).Error(0)
}

func (m *MockReporter) RecordConstraintHits(hits []domain.ConstraintHit) error {
	return m.Called(hits).Error(0)
}

func (m *MockReporter) RecordLegWeights(date time.Time, leg string, weights domain.TargetWeights) error {
	return m.Called(date, leg, weights).Error(0)
}

func (m *MockReporter) RecordBlendedWeights(date time.Time, weights domain.TargetWeights) error {
	return m.Called(date, weights).Error(0)
}
