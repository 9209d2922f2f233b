// Package rooms is the broadcast fabric: websocket sessions join named rooms
// and events fan out to every member, locally and through the relay when one
// is configured.
package rooms

// Room names are derived, never client-supplied. Staff see everything in
// their tenant; a table client only sees its own table.
func StaffRoom(tenantID string) string {
	return "tenant/" + tenantID + "/staff"
}

func TableRoom(tenantID, tableID string) string {
	return "tenant/" + tenantID + "/table/" + tableID
}

// Event names on the client-facing websocket.
const (
	EventNewRequest      = "new_request"
	EventRequestReceived = "request_received"
	EventRequestUpdate   = "request_update"
)
