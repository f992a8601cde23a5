// Package domain provides core domain implementations.
package domain

import (
	"fmt"
	"sync"
	"time"
)

// InverterRegistry implements the Registry interface.
type InverterRegistry struct {
	inverters map[string]*InverterInfo
	mutex     sync.RWMutex
}

// NewInverterRegistry creates a new inverter registry.
func NewInverterRegistry() *InverterRegistry {
	return &InverterRegistry{
		inverters: make(map[string]*InverterInfo),
	}
}

// RegisterInverter adds or updates an inverter in the registry.
func (r *InverterRegistry) RegisterInverter(name, connector string, address Address) error {
	if name == "" {
		return fmt.Errorf("inverter name cannot be empty")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	inverter, exists := r.inverters[name]
	if !exists {
		r.inverters[name] = &InverterInfo{
			Name:      name,
			Connector: connector,
			Address:   address,
		}
		return nil
	}

	inverter.Connector = connector
	inverter.Address = address
	return nil
}

// RecordCycle stores the latest cycle outcome for an inverter.
func (r *InverterRegistry) RecordCycle(name string, result *CycleResult) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	inverter, exists := r.inverters[name]
	if !exists {
		return fmt.Errorf("inverter %s not found", name)
	}

	inverter.LastCycle = result
	inverter.Cycles++
	inverter.UnavailableTotal += int64(len(result.Unavailable))
	if len(result.Values) > 0 {
		inverter.LastContact = time.Now()
	}
	return nil
}

// RecordState stores the latest decoded register values for an inverter.
func (r *InverterRegistry) RecordState(name string, state *InverterState) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	inverter, exists := r.inverters[name]
	if !exists {
		return fmt.Errorf("inverter %s not found", name)
	}
	inverter.LastState = state
	return nil
}

// GetInverter retrieves a copy of the information about an inverter.
func (r *InverterRegistry) GetInverter(name string) (*InverterInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	inverter, exists := r.inverters[name]
	if !exists {
		return nil, false
	}
	info := *inverter
	return &info, true
}

// GetAllInverters returns copies of all registered inverters.
func (r *InverterRegistry) GetAllInverters() []*InverterInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	inverters := make([]*InverterInfo, 0, len(r.inverters))
	for _, inverter := range r.inverters {
		info := *inverter
		inverters = append(inverters, &info)
	}
	return inverters
}
