package types

import (
	"fmt"
	"strings"
	"time"
)

// SystemResource is the threshold id that refers to an agent's aggregate utilization
const SystemResource = "SYSTEM"

// ProvisionMode defines how instances of a service are placed
type ProvisionMode string

const (
	ProvisionDynamic  ProvisionMode = "dynamic"  // Planned instances on the first eligible agents
	ProvisionFixed    ProvisionMode = "fixed"    // One instance on every eligible agent, up to planned
	ProvisionExternal ProvisionMode = "external" // Tracked only, never placed by the engine
)

// Valid reports whether m is a known provision mode
func (m ProvisionMode) Valid() bool {
	switch m {
	case ProvisionDynamic, ProvisionFixed, ProvisionExternal:
		return true
	}
	return false
}

// AssociationType defines a placement relationship between two services
type AssociationType string

const (
	AssociationColocated AssociationType = "colocated" // Target must already run on the agent
	AssociationOpposed   AssociationType = "opposed"   // Target must not run on the agent
)

// Association ties a service to another service for placement purposes
type Association struct {
	Type       AssociationType
	Deployment string
	Name       string
}

// TargetKey returns the key of the associated service
func (a *Association) TargetKey() string {
	return SpecKey(a.Deployment, a.Name)
}

// Threshold is an inclusive [Low, High] range for a measured resource
type Threshold struct {
	Low  float64
	High float64
}

// Contains reports whether v is within the threshold
func (t Threshold) Contains(v float64) bool {
	return v >= t.Low && v <= t.High
}

// StageableSoftware describes software an agent can download and install
// before hosting an instance
type StageableSoftware struct {
	Name        string
	Version     string
	Location    string
	Size        int64 // Bytes, negative when unknown
	PostInstall []*StageableSoftware
}

// TotalSize returns the bytes needed for the software and its post-install
// payloads, or -1 if any size is unknown
func (s *StageableSoftware) TotalSize() int64 {
	if s == nil || s.Size < 0 {
		return -1
	}
	total := s.Size
	for _, p := range s.PostInstall {
		n := p.TotalSize()
		if n < 0 {
			return -1
		}
		total += n
	}
	return total
}

// CapabilityRequirement is a qualitative requirement on an agent's platform
type CapabilityRequirement struct {
	Name     string
	Version  string // Empty matches any version
	Software *StageableSoftware
}

// Requirements holds the quantitative and qualitative needs of a service
type Requirements struct {
	Thresholds   map[string]Threshold
	Capabilities []*CapabilityRequirement
}

// ServiceSpec is the declaration of a service to be provisioned. A spec is
// never modified after it has been handed to the engine; updates replace it.
type ServiceSpec struct {
	Deployment      string
	Name            string
	Mode            ProvisionMode
	Planned         int
	MaxPerAgent     int      // 0 means unlimited
	MachineAffinity []string // Cluster addresses or hostnames
	Associations    []*Association
	Requirements    *Requirements
	Instance        int64                // Instance sequence number for a placement
	Staging         []*StageableSoftware // Software to stage for this placement
}

// SpecKey builds the identity key for a service within a deployment
func SpecKey(deployment, name string) string {
	return deployment + "/" + name
}

// Key returns the identity key of the spec
func (s *ServiceSpec) Key() string {
	return SpecKey(s.Deployment, s.Name)
}

// Clone returns a shallow copy of the spec with its own slices
func (s *ServiceSpec) Clone() *ServiceSpec {
	c := *s
	c.MachineAffinity = append([]string(nil), s.MachineAffinity...)
	c.Associations = append([]*Association(nil), s.Associations...)
	c.Staging = append([]*StageableSoftware(nil), s.Staging...)
	return &c
}

// WithStaging returns a copy of the spec carrying software to stage
func (s *ServiceSpec) WithStaging(staging []*StageableSoftware) *ServiceSpec {
	c := s.Clone()
	c.Staging = staging
	return c
}

// WithInstance returns a copy of the spec for a given instance sequence
func (s *ServiceSpec) WithInstance(seq int64) *ServiceSpec {
	c := s.Clone()
	c.Instance = seq
	return c
}

// WithPlanned returns a copy of the spec with a new planned count
func (s *ServiceSpec) WithPlanned(planned int) *ServiceSpec {
	c := s.Clone()
	c.Planned = planned
	return c
}

// MeasuredResource is a resource value reported by an agent together with
// the range the agent considers healthy
type MeasuredResource struct {
	ID    string
	Value float64
	Low   float64
	High  float64
}

// Breached reports whether the value is outside its thresholds
func (m MeasuredResource) Breached() bool {
	return m.Value < m.Low || m.Value > m.High
}

// CapabilityType classifies a platform capability
type CapabilityType string

const (
	CapabilitySoftware CapabilityType = "software"
	CapabilityStorage  CapabilityType = "storage"
	CapabilityNative   CapabilityType = "native"
)

// PlatformCapability is something an agent's platform provides
type PlatformCapability struct {
	Type      CapabilityType
	Name      string
	Version   string
	Available int64 // Free bytes, storage capabilities only
}

// Supports reports whether the capability satisfies a requirement
func (c *PlatformCapability) Supports(req *CapabilityRequirement) bool {
	if !strings.EqualFold(c.Name, req.Name) {
		return false
	}
	return req.Version == "" || req.Version == c.Version
}

// Capacity is the last snapshot an agent reported about itself
type Capacity struct {
	Address                string
	Hostname               string
	Utilization            float64 // Aggregate SYSTEM utilization
	Measured               []MeasuredResource
	Capabilities           []*PlatformCapability
	PersistentProvisioning bool // Agent can stage missing software
}

// Breached reports whether any measured resource is outside its thresholds
func (c *Capacity) Breached() bool {
	if c == nil {
		return false
	}
	for _, m := range c.Measured {
		if m.Breached() {
			return true
		}
	}
	return false
}

// Measurement returns the measured resource with the given id
func (c *Capacity) Measurement(id string) (MeasuredResource, bool) {
	if c != nil {
		for _, m := range c.Measured {
			if m.ID == id {
				return m, true
			}
		}
	}
	return MeasuredResource{}, false
}

// Storage returns the agent's storage capability, if any
func (c *Capacity) Storage() *PlatformCapability {
	if c == nil {
		return nil
	}
	for _, pc := range c.Capabilities {
		if pc.Type == CapabilityStorage {
			return pc
		}
	}
	return nil
}

// Instance is a placed service instance
type Instance struct {
	ID       string
	SpecKey  string
	Seq      int64
	AgentID  string
	PlacedAt time.Time
}

// AgentState is a consistent, read-only view of an agent record
type AgentState struct {
	ID             string
	Limit          int
	Capacity       *Capacity
	Placed         map[string]int // Spec key -> placed instances
	InFlight       map[string]int // Spec key -> placements in progress
	DynamicEnabled bool
}

// Total returns placed plus in-flight instances across all specs
func (a *AgentState) Total() int {
	n := 0
	for _, c := range a.Placed {
		n += c
	}
	for _, c := range a.InFlight {
		n += c
	}
	return n
}

// Count returns placed plus in-flight instances for one spec
func (a *AgentState) Count(key string) int {
	return a.Placed[key] + a.InFlight[key]
}

// Hosts reports whether the agent has at least one placed instance of key
func (a *AgentState) Hosts(key string) bool {
	return a.Placed[key] > 0
}

// PlacementOrder is what an agent receives when asked to host an instance
type PlacementOrder struct {
	RequestID string
	Spec      *ServiceSpec
	Clean     bool
}

// DeploymentStatus summarizes how well a deployment is provisioned
type DeploymentStatus string

const (
	StatusIntact      DeploymentStatus = "intact"
	StatusCompromised DeploymentStatus = "compromised"
	StatusBroken      DeploymentStatus = "broken"
	StatusScheduled   DeploymentStatus = "scheduled"
)

// Schedule controls when a deployment is placed and for how long
type Schedule struct {
	StartDate      time.Time
	Duration       time.Duration // 0 means indefinitely
	RepeatCount    int           // -1 repeats forever
	RepeatInterval time.Duration
}

// Deferred reports whether placement must wait for a timer
func (s *Schedule) Deferred(now time.Time) bool {
	if s == nil {
		return false
	}
	return s.StartDate.After(now) || s.Duration > 0
}

// Equal reports whether two schedules describe the same timing. Two nil
// schedules are equal.
func (s *Schedule) Equal(other *Schedule) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.StartDate.Equal(other.StartDate) &&
		s.Duration == other.Duration &&
		s.RepeatCount == other.RepeatCount &&
		s.RepeatInterval == other.RepeatInterval
}

// DeploymentSpec is a named set of services deployed together
type DeploymentSpec struct {
	Name        string
	Services    []*ServiceSpec
	Nested      []*DeploymentSpec
	Schedule    *Schedule
	Status      DeploymentStatus
	DeployDates []time.Time
}

// Service returns the service with the given name
func (d *DeploymentSpec) Service(name string) *ServiceSpec {
	for _, s := range d.Services {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// LastDeployed returns the most recent deployment date
func (d *DeploymentSpec) LastDeployed() (time.Time, bool) {
	if len(d.DeployDates) == 0 {
		return time.Time{}, false
	}
	last := d.DeployDates[0]
	for _, t := range d.DeployDates[1:] {
		if t.After(last) {
			last = t
		}
	}
	return last, true
}

// Clone returns a copy that can be modified without touching d
func (d *DeploymentSpec) Clone() *DeploymentSpec {
	c := *d
	c.Services = append([]*ServiceSpec(nil), d.Services...)
	c.DeployDates = append([]time.Time(nil), d.DeployDates...)
	c.Nested = make([]*DeploymentSpec, 0, len(d.Nested))
	for _, n := range d.Nested {
		c.Nested = append(c.Nested, n.Clone())
	}
	if d.Schedule != nil {
		s := *d.Schedule
		c.Schedule = &s
	}
	return &c
}

// Validate checks that required fields are present, recursively
func (d *DeploymentSpec) Validate() error {
	if d == nil {
		return &MalformedError{Reason: "deployment is nil"}
	}
	if strings.TrimSpace(d.Name) == "" {
		return &MalformedError{Reason: "deployment name is required"}
	}
	seen := make(map[string]bool)
	for i, s := range d.Services {
		if s == nil {
			return &MalformedError{Reason: fmt.Sprintf("service #%d in %s is nil", i, d.Name)}
		}
		if strings.TrimSpace(s.Name) == "" {
			return &MalformedError{Reason: fmt.Sprintf("service #%d in %s has no name", i, d.Name)}
		}
		if seen[s.Name] {
			return &MalformedError{Reason: fmt.Sprintf("duplicate service %s in %s", s.Name, d.Name)}
		}
		seen[s.Name] = true
		if s.Deployment != "" && s.Deployment != d.Name {
			return &MalformedError{Reason: fmt.Sprintf("service %s belongs to %s, not %s", s.Name, s.Deployment, d.Name)}
		}
		if !s.Mode.Valid() {
			return &MalformedError{Reason: fmt.Sprintf("service %s has unknown provision mode %q", s.Name, s.Mode)}
		}
		if s.Planned < 0 || s.MaxPerAgent < 0 {
			return &MalformedError{Reason: fmt.Sprintf("service %s has a negative count", s.Name)}
		}
	}
	if d.Schedule != nil && (d.Schedule.Duration < 0 || d.Schedule.RepeatInterval < 0) {
		return &MalformedError{Reason: fmt.Sprintf("schedule of %s has a negative duration", d.Name)}
	}
	for _, n := range d.Nested {
		if err := n.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadState is how far a coordinator got loading its persisted deployments
type LoadState string

const (
	LoadPending LoadState = "pending"
	LoadLoading LoadState = "loading"
	LoadLoaded  LoadState = "loaded"
)

// PeerIdentity identifies a coordinator to its siblings
type PeerIdentity struct {
	ID          string
	Address     string
	TieBreak    int64
	BackupCount int
	LoadState   LoadState
}

// Compare orders identities by tie-break number, then address, then id.
// The smaller identity is preferred as owner.
func (p PeerIdentity) Compare(o PeerIdentity) int {
	switch {
	case p.TieBreak < o.TieBreak:
		return -1
	case p.TieBreak > o.TieBreak:
		return 1
	}
	if c := strings.Compare(p.Address, o.Address); c != 0 {
		return c
	}
	return strings.Compare(p.ID, o.ID)
}

// Claim is a coordinator's assertion that it owns a deployment
type Claim struct {
	Deployment  string
	Peer        PeerIdentity
	DeployDates []time.Time
}

// RedeployRequest asks the owner of a deployment to replace running
// instances with fresh ones
type RedeployRequest struct {
	Deployment string
	Service    string        // Empty redeploys every service
	InstanceID string        // Empty redeploys every instance of Service
	Clean      bool          // Agent discards local state of the old instance
	Sticky     bool          // Prefer the agent that hosted the old instance
	Delay      time.Duration // 0 runs immediately
}

// Target returns the key used to detect duplicate pending redeployments
func (r *RedeployRequest) Target() string {
	switch {
	case r.Service == "":
		return r.Deployment
	case r.InstanceID == "":
		return SpecKey(r.Deployment, r.Service)
	default:
		return SpecKey(r.Deployment, r.Service) + "#" + r.InstanceID
	}
}
