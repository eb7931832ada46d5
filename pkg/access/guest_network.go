package access

import (
	"sync"
	"time"
)

// requiredConfirmations is the number of distinct confirm_access calls a
// guest device needs before it is granted explicit access to a main-network
// device (spec §4.4 "3 confirmations").
const requiredConfirmations = 3

// explicitAccessTTL is how long a granted explicit-access record remains
// valid before the guest must re-request it.
const explicitAccessTTL = 24 * time.Hour

// GuestNetwork groups a set of guest devices under a single owner, isolated
// from the owner's main-network devices unless explicitly granted access.
type GuestNetwork struct {
	ID      string
	OwnerID string
	Devices map[string]bool
}

// DeviceOwnerLookup resolves the user that owns a device. Isolation
// decisions need only this, not the full device record.
type DeviceOwnerLookup func(deviceID string) (userID string, ok bool)

// DataTransferPermission is a time-boxed grant letting source transfer data
// to target, optionally scoped to a session.
type DataTransferPermission struct {
	SourceDeviceID string
	TargetDeviceID string
	SessionID      string
	GrantedAt      time.Time
	ExpiresAt      time.Time
}

type accessRequest struct {
	confirmations int
	requestedAt   time.Time
}

// GuestIsolator enforces network isolation between a user's main devices
// and guest devices, and implements the explicit-access-grant protocol
// guests use to cross that boundary.
type GuestIsolator struct {
	mu sync.Mutex

	owner DeviceOwnerLookup
	now   func() time.Time

	networks       map[string]*GuestNetwork // network id -> network
	deviceNetwork  map[string]string        // device id -> network id
	transfers      map[transferKey]DataTransferPermission
	requests       map[pairKey]*accessRequest
	grants         map[pairKey]time.Time // pair -> expiry
	blockedDevices map[string]bool
}

type pairKey struct{ guest, main string }
type transferKey struct{ source, target string }

// NewGuestIsolator creates an isolator. owner resolves a device's owning
// user for the same-user bypass rule.
func NewGuestIsolator(owner DeviceOwnerLookup) *GuestIsolator {
	return &GuestIsolator{
		owner:          owner,
		now:            time.Now,
		networks:       make(map[string]*GuestNetwork),
		deviceNetwork:  make(map[string]string),
		transfers:      make(map[transferKey]DataTransferPermission),
		requests:       make(map[pairKey]*accessRequest),
		grants:         make(map[pairKey]time.Time),
		blockedDevices: make(map[string]bool),
	}
}

// WithClock overrides the time source for deterministic testing.
func (g *GuestIsolator) WithClock(now func() time.Time) *GuestIsolator {
	g.now = now
	return g
}

// CreateGuestNetwork creates a new guest network owned by ownerID.
func (g *GuestIsolator) CreateGuestNetwork(networkID, ownerID string) *GuestNetwork {
	g.mu.Lock()
	defer g.mu.Unlock()
	net := &GuestNetwork{ID: networkID, OwnerID: ownerID, Devices: make(map[string]bool)}
	g.networks[networkID] = net
	return net
}

// AddDeviceToNetwork enrolls deviceID as a guest on networkID.
func (g *GuestIsolator) AddDeviceToNetwork(networkID, deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if net, ok := g.networks[networkID]; ok {
		net.Devices[deviceID] = true
	}
	g.deviceNetwork[deviceID] = networkID
}

// IsGuestDevice reports whether deviceID belongs to any guest network.
func (g *GuestIsolator) IsGuestDevice(deviceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.deviceNetwork[deviceID]
	return ok
}

// BlockDevice prevents deviceID from communicating with any other device,
// as source or target, until UnblockDevice is called, regardless of
// ownership or network.
func (g *GuestIsolator) BlockDevice(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedDevices[deviceID] = true
}

// UnblockDevice clears a prior BlockDevice call.
func (g *GuestIsolator) UnblockDevice(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blockedDevices, deviceID)
}

// CanCommunicate applies the mesh's network isolation rules (spec §4.4):
// same owner always allowed; two guests may talk only within the same
// guest network; a guest and a main-network device of different owners
// may never talk directly (they must use the explicit-access protocol
// below); two main-network devices of different owners are allowed.
func (g *GuestIsolator) CanCommunicate(source, target string) bool {
	g.mu.Lock()
	if g.blockedDevices[source] || g.blockedDevices[target] {
		g.mu.Unlock()
		return false
	}
	sourceNetwork, sourceIsGuest := g.deviceNetwork[source]
	targetNetwork, targetIsGuest := g.deviceNetwork[target]
	g.mu.Unlock()

	sourceOwner, sOK := g.owner(source)
	targetOwner, tOK := g.owner(target)
	if sOK && tOK && sourceOwner == targetOwner {
		return true
	}

	if sourceIsGuest && targetIsGuest {
		return sourceNetwork == targetNetwork
	}
	if sourceIsGuest || targetIsGuest {
		return false
	}
	return true
}

// GrantDataTransferPermission records a 24-hour transfer grant from source
// to target, optionally scoped to sessionID.
func (g *GuestIsolator) GrantDataTransferPermission(source, target, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.transfers[transferKey{source, target}] = DataTransferPermission{
		SourceDeviceID: source,
		TargetDeviceID: target,
		SessionID:      sessionID,
		GrantedAt:      now,
		ExpiresAt:      now.Add(explicitAccessTTL),
	}
}

// HasDataTransferPermission reports whether an unexpired grant exists from
// source to target.
func (g *GuestIsolator) HasDataTransferPermission(source, target string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.transfers[transferKey{source, target}]
	return ok && g.now().Before(p.ExpiresAt)
}

// RevokeDataTransferPermission removes any grant from source to target.
func (g *GuestIsolator) RevokeDataTransferPermission(source, target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.transfers, transferKey{source, target})
}

// RequestAccess records a guest device's first (or renewed) request to
// cross the isolation boundary to mainDevice. The request itself counts
// as no confirmation; requiredConfirmations ConfirmAccess calls are needed
// before HasExplicitAccess returns true.
func (g *GuestIsolator) RequestAccess(guestDevice, mainDevice string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := pairKey{guestDevice, mainDevice}
	req, ok := g.requests[key]
	if !ok {
		req = &accessRequest{}
		g.requests[key] = req
	}
	req.requestedAt = g.now()
}

// ConfirmAccess records one confirmation toward the requiredConfirmations
// threshold. Once the threshold is reached, an explicit-access grant valid
// for explicitAccessTTL is issued.
func (g *GuestIsolator) ConfirmAccess(guestDevice, mainDevice string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := pairKey{guestDevice, mainDevice}
	req, ok := g.requests[key]
	if !ok {
		req = &accessRequest{}
		g.requests[key] = req
	}
	req.confirmations++
	if req.confirmations >= requiredConfirmations {
		g.grants[key] = g.now().Add(explicitAccessTTL)
	}
}

// HasExplicitAccess reports whether guestDevice currently holds an
// unexpired explicit-access grant to mainDevice.
func (g *GuestIsolator) HasExplicitAccess(guestDevice, mainDevice string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	expiry, ok := g.grants[pairKey{guestDevice, mainDevice}]
	return ok && g.now().Before(expiry)
}
