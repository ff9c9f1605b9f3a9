package registry

// Reservation is a persisted port reservation.
type Reservation struct {
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"` // "tcp" or "udp"
	ProjectID string `json:"project_id"`
}

// SaveReservation records a port reservation, replacing any previous
// owner of the same port and protocol.
func (d *DB) SaveReservation(r *Reservation) error {
	_, err := d.db.Exec(`
		INSERT INTO port_reservations (port, protocol, project_id)
		VALUES (?, ?, ?)
		ON CONFLICT(port, protocol) DO UPDATE SET
			project_id = excluded.project_id
	`, r.Port, r.Protocol, r.ProjectID)
	return err
}

// DeleteReservation forgets a port reservation. Deleting an unknown
// reservation is a no-op, matching allocator release semantics.
func (d *DB) DeleteReservation(port int, protocol string) error {
	_, err := d.db.Exec(`
		DELETE FROM port_reservations WHERE port = ? AND protocol = ?
	`, port, protocol)
	return err
}

// ListReservations returns every recorded reservation, ordered by port.
func (d *DB) ListReservations() ([]*Reservation, error) {
	rows, err := d.db.Query(`
		SELECT port, protocol, project_id FROM port_reservations ORDER BY port
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reservations []*Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.Port, &r.Protocol, &r.ProjectID); err != nil {
			return nil, err
		}
		reservations = append(reservations, &r)
	}
	return reservations, rows.Err()
}

// DeleteProjectReservations drops every reservation held by a project.
func (d *DB) DeleteProjectReservations(projectID string) error {
	_, err := d.db.Exec(`
		DELETE FROM port_reservations WHERE project_id = ?
	`, projectID)
	return err
}
