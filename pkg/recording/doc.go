// Package recording writes telemetry recordings as CSV files and manages
// the recordings directory.
//
// A recording starts with a short header followed by one row per sample:
//
//	sep=,
//	Measurement Mode:,Complete (Euler)
//	StartTime:,Fri, 01 Mar 2024 10:00:00 GMT
//	Generated by dotfleet
//
//	Timestamp,Address,Euler_x,Euler_y,Euler_z,FreeAcc_x,FreeAcc_y,FreeAcc_z
//	1709287200000000,AA:BB:CC:DD:EE:FF,1,2,3,0.1,0.2,9.8
//
// Files are created exclusively: an existing name is never overwritten,
// and a file whose header cannot be written is removed again.
package recording
