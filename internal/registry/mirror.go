package registry

import (
	log "github.com/sirupsen/logrus"
)

// Mirror adapts the database to the port allocator's recorder hook.
// Persistence failures are logged, never surfaced: the reservations
// table is a restart aid, not the source of truth.
type Mirror struct {
	DB *DB
}

func (m *Mirror) RecordReservation(port int, protocol, projectID string) {
	err := m.DB.SaveReservation(&Reservation{Port: port, Protocol: protocol, ProjectID: projectID})
	if err != nil {
		log.Warnf("registry: persist %s port %d reservation: %v", protocol, port, err)
	}
}

func (m *Mirror) ForgetReservation(port int, protocol string) {
	if err := m.DB.DeleteReservation(port, protocol); err != nil {
		log.Warnf("registry: forget %s port %d reservation: %v", protocol, port, err)
	}
}
