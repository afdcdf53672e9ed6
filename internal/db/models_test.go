package db

import (
	"testing"
	"time"
)

func TestStepTotalDelay(t *testing.T) {
	tests := []struct {
		name  string
		days  int
		hours int
		want  time.Duration
	}{
		{"immediate", 0, 0, 0},
		{"hours_only", 0, 6, 6 * time.Hour},
		{"days_only", 2, 0, 48 * time.Hour},
		{"one_day_six_hours", 1, 6, 108000 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := &Step{DelayDays: tt.days, DelayHours: tt.hours}
			if got := step.TotalDelay(); got != tt.want {
				t.Errorf("TotalDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeliveryStatusTransitions(t *testing.T) {
	tests := []struct {
		from DeliveryStatus
		to   DeliveryStatus
		ok   bool
	}{
		{DeliveryScheduled, DeliveryPending, true},
		{DeliveryScheduled, DeliveryCancelled, true},
		{DeliveryScheduled, DeliverySent, false},
		{DeliveryPending, DeliverySent, true},
		{DeliveryPending, DeliveryFailed, true},
		{DeliveryPending, DeliveryCancelled, false},
		{DeliveryFailed, DeliveryPending, true},
		{DeliveryFailed, DeliverySent, false},
		{DeliverySent, DeliveryOpened, true},
		{DeliverySent, DeliveryPending, false},
		{DeliveryOpened, DeliveryClicked, true},
		{DeliveryOpened, DeliverySent, false},
		{DeliveryClicked, DeliveryOpened, false},
		{DeliveryCancelled, DeliveryPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.ok {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

func TestDeliveryStatusDelivered(t *testing.T) {
	delivered := []DeliveryStatus{DeliverySent, DeliveryOpened, DeliveryClicked}
	for _, s := range delivered {
		if !s.Delivered() {
			t.Errorf("%s should count as delivered", s)
		}
	}

	notDelivered := []DeliveryStatus{DeliveryScheduled, DeliveryPending, DeliveryFailed, DeliveryCancelled}
	for _, s := range notDelivered {
		if s.Delivered() {
			t.Errorf("%s should not count as delivered", s)
		}
	}
}

func TestTriggerKindValid(t *testing.T) {
	for _, k := range []TriggerKind{TriggerLeadMagnetDownload, TriggerSubscriberConfirmed, TriggerManual} {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if TriggerKind("webhook").Valid() {
		t.Error("unknown trigger kind should not be valid")
	}
}
