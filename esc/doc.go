// Package esc describes the EtherCAT Slave Controller as seen from the
// master: the register map, the application layer (AL) state machine
// encoding, AL status codes, and the FMMU and SyncManager register entries.
package esc
