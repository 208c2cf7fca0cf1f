package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerIdentityCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b PeerIdentity
		want int
	}{
		{"tie break decides", PeerIdentity{ID: "z", TieBreak: 1}, PeerIdentity{ID: "a", TieBreak: 2}, -1},
		{"address breaks ties", PeerIdentity{ID: "z", Address: "10.0.0.1"}, PeerIdentity{ID: "a", Address: "10.0.0.2"}, -1},
		{"id breaks ties", PeerIdentity{ID: "b"}, PeerIdentity{ID: "a"}, 1},
		{"equal", PeerIdentity{ID: "a", Address: "x", TieBreak: 3}, PeerIdentity{ID: "a", Address: "x", TieBreak: 3}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.want, tt.b.Compare(tt.a))
		})
	}
}

func TestLastDeployed(t *testing.T) {
	d := &DeploymentSpec{Name: "shop"}
	_, ok := d.LastDeployed()
	assert.False(t, ok)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.DeployDates = []time.Time{base, base.Add(2 * time.Hour), base.Add(time.Hour)}
	last, ok := d.LastDeployed()
	require.True(t, ok)
	assert.Equal(t, base.Add(2*time.Hour), last)
}

func TestDeploymentCloneIsIndependent(t *testing.T) {
	d := &DeploymentSpec{
		Name:        "shop",
		Services:    []*ServiceSpec{{Name: "web", Mode: ProvisionDynamic}},
		Nested:      []*DeploymentSpec{{Name: "batch"}},
		Schedule:    &Schedule{Duration: time.Hour},
		DeployDates: []time.Time{time.Now()},
	}

	c := d.Clone()
	c.Services = append(c.Services, &ServiceSpec{Name: "db"})
	c.Nested[0].Name = "other"
	c.Schedule.Duration = time.Minute
	c.DeployDates = nil

	assert.Len(t, d.Services, 1)
	assert.Equal(t, "batch", d.Nested[0].Name)
	assert.Equal(t, time.Hour, d.Schedule.Duration)
	assert.Len(t, d.DeployDates, 1)
}

func TestDeploymentValidate(t *testing.T) {
	tests := []struct {
		name string
		spec *DeploymentSpec
		ok   bool
	}{
		{"valid", &DeploymentSpec{Name: "shop", Services: []*ServiceSpec{{Name: "web", Mode: ProvisionFixed}}}, true},
		{"nil", nil, false},
		{"no name", &DeploymentSpec{Name: " "}, false},
		{"duplicate service", &DeploymentSpec{Name: "shop", Services: []*ServiceSpec{
			{Name: "web", Mode: ProvisionDynamic}, {Name: "web", Mode: ProvisionDynamic},
		}}, false},
		{"unknown mode", &DeploymentSpec{Name: "shop", Services: []*ServiceSpec{{Name: "web", Mode: "sometimes"}}}, false},
		{"negative planned", &DeploymentSpec{Name: "shop", Services: []*ServiceSpec{{Name: "web", Mode: ProvisionDynamic, Planned: -1}}}, false},
		{"foreign service", &DeploymentSpec{Name: "shop", Services: []*ServiceSpec{{Deployment: "other", Name: "web", Mode: ProvisionDynamic}}}, false},
		{"negative schedule", &DeploymentSpec{Name: "shop", Schedule: &Schedule{Duration: -time.Second}}, false},
		{"invalid nested", &DeploymentSpec{Name: "shop", Nested: []*DeploymentSpec{{}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrMalformedDeployment)
		})
	}
}

func TestScheduleDeferred(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	var none *Schedule
	assert.False(t, none.Deferred(now))
	assert.False(t, (&Schedule{StartDate: now.Add(-time.Hour)}).Deferred(now))
	assert.True(t, (&Schedule{StartDate: now.Add(time.Hour)}).Deferred(now))
	assert.True(t, (&Schedule{Duration: time.Hour}).Deferred(now))
}

func TestScheduleEqual(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := &Schedule{StartDate: start, Duration: time.Hour, RepeatCount: 2, RepeatInterval: time.Hour}

	tests := []struct {
		name  string
		other *Schedule
		want  bool
	}{
		{name: "same values", other: &Schedule{StartDate: start, Duration: time.Hour, RepeatCount: 2, RepeatInterval: time.Hour}, want: true},
		{name: "same instant other zone", other: &Schedule{StartDate: start.In(time.FixedZone("x", 3600)), Duration: time.Hour, RepeatCount: 2, RepeatInterval: time.Hour}, want: true},
		{name: "other start", other: &Schedule{StartDate: start.Add(time.Second), Duration: time.Hour, RepeatCount: 2, RepeatInterval: time.Hour}, want: false},
		{name: "other repeats", other: &Schedule{StartDate: start, Duration: time.Hour, RepeatCount: 3, RepeatInterval: time.Hour}, want: false},
		{name: "nil", other: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Equal(tt.other))
		})
	}

	var none *Schedule
	assert.True(t, none.Equal(nil))
	assert.False(t, none.Equal(base))
}

func TestRedeployTarget(t *testing.T) {
	assert.Equal(t, "shop", (&RedeployRequest{Deployment: "shop"}).Target())
	assert.Equal(t, "shop/web", (&RedeployRequest{Deployment: "shop", Service: "web"}).Target())
	assert.Equal(t, "shop/web#i-1", (&RedeployRequest{Deployment: "shop", Service: "web", InstanceID: "i-1"}).Target())
}

func TestTypedErrorsUnwrap(t *testing.T) {
	assert.True(t, errors.Is(&NotOwnerError{Deployment: "shop"}, ErrNotOwner))
	assert.True(t, errors.Is(&AlreadyScheduledError{}, ErrAlreadyScheduled))
	assert.True(t, errors.Is(&RejectedError{Spec: "shop/web"}, ErrAdmissionRejected))
}
