// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store for tests: events, watermarks and the device
// registry, with optional error injection.
type memStore struct {
	mu         sync.Mutex
	events     map[uuid.UUID]AttendanceEvent
	watermarks map[string]time.Time
	devices    map[string]Device

	insertErr   error
	existingErr error
	deviceErr   error
}

func newMemStore() *memStore {
	return &memStore{
		events:     make(map[uuid.UUID]AttendanceEvent),
		watermarks: make(map[string]time.Time),
		devices:    make(map[string]Device),
	}
}

func (s *memStore) InsertEvents(ctx context.Context, events []AttendanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	for _, ev := range events {
		if _, ok := s.events[ev.UniqueKey]; ok {
			return ErrDuplicateKey
		}
	}
	for _, ev := range events {
		s.events[ev.UniqueKey] = ev
	}
	return nil
}

func (s *memStore) InsertEvent(ctx context.Context, ev AttendanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	if _, ok := s.events[ev.UniqueKey]; ok {
		return ErrDuplicateKey
	}
	s.events[ev.UniqueKey] = ev
	return nil
}

func (s *memStore) ExistingKeys(ctx context.Context, keys []uuid.UUID) (map[uuid.UUID]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existingErr != nil {
		return nil, s.existingErr
	}
	out := make(map[uuid.UUID]bool)
	for _, k := range keys {
		if _, ok := s.events[k]; ok {
			out[k] = true
		}
	}
	return out, nil
}

func (s *memStore) GetEvents(ctx context.Context, filter EventFilter) ([]AttendanceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AttendanceEvent
	for _, ev := range s.events {
		if filter.CompanyID != "" && ev.CompanyID != filter.CompanyID {
			continue
		}
		if filter.DeviceIP != "" && ev.DeviceIP != filter.DeviceIP {
			continue
		}
		if filter.EmployeeID != "" && ev.EmployeeID != filter.EmployeeID {
			continue
		}
		if !filter.From.IsZero() && ev.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && ev.Timestamp.After(filter.To) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *memStore) GetWatermark(ctx context.Context, deviceIP string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.watermarks[deviceIP]
	return ts, ok, nil
}

func (s *memStore) AdvanceWatermark(ctx context.Context, deviceIP string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.watermarks[deviceIP]; !ok || ts.After(current) {
		s.watermarks[deviceIP] = ts
	}
	return nil
}

func (s *memStore) AllWatermarks(ctx context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.watermarks))
	for k, v := range s.watermarks {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) UpsertDevice(ctx context.Context, d Device) error {
	s.mu.Lock()
	s.devices[d.IP] = d
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetDevice(ctx context.Context, ip string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceErr != nil {
		return nil, s.deviceErr
	}
	d, ok := s.devices[ip]
	if !ok {
		return nil, nil
	}
	copied := d
	return &copied, nil
}

func (s *memStore) ListDevices(ctx context.Context, companyID string) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Device
	for _, d := range s.devices {
		if companyID == "" || d.CompanyID == companyID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// fakeClient is a scriptable DeviceClient for connection manager tests.
type fakeClient struct {
	info         DeviceInfo
	users        []DeviceUser
	punches      []RawPunch
	fetchDelay   time.Duration
	fetchErr     error
	failFromCall int // 1-based fetch number from which fetchErr applies; 0 = always
	fetchCalls   int
	panicOnInfo  bool
	panicOnUsers bool
	closed       bool
}

func (c *fakeClient) GetInfo(ctx context.Context) (*DeviceInfo, error) {
	if c.panicOnInfo {
		panic("getInfo threw")
	}
	info := c.info
	return &info, nil
}

func (c *fakeClient) GetUsers(ctx context.Context) ([]DeviceUser, error) {
	if c.panicOnUsers {
		panic("getUsers threw")
	}
	return c.users, nil
}

func (c *fakeClient) GetAttendance(ctx context.Context) ([]RawPunch, error) {
	c.fetchCalls++
	if c.fetchDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.fetchDelay):
		}
	}
	if c.fetchErr != nil && c.fetchCalls >= c.failFromCall {
		return nil, c.fetchErr
	}
	return c.punches, nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

// fakeFactory dials fakeClients, optionally rejecting dial shapes the way a
// picky vendor constructor would.
type fakeFactory struct {
	family       ClientFamily
	client       *fakeClient
	acceptShapes []DialShape
	dialErr      error
	dialDelay    time.Duration
	dials        int
	mu           sync.Mutex
}

func (f *fakeFactory) Family() ClientFamily { return f.family }

func (f *fakeFactory) Dial(ctx context.Context, spec DialSpec) (DeviceClient, error) {
	f.mu.Lock()
	f.dials++
	f.mu.Unlock()
	if f.dialDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.dialDelay):
		}
	}
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	if f.acceptShapes != nil {
		ok := false
		for _, s := range f.acceptShapes {
			if s == spec.Shape {
				ok = true
				break
			}
		}
		if !ok {
			return nil, ErrBadDialShape
		}
	}
	if f.client == nil {
		return nil, ErrNetworkUnreachable
	}
	return f.client, nil
}

func (f *fakeFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}
