// Package types provides shared data structures for the kernel.
//
// Core Types:
//   - Envelope: the message unit exchanged between contexts
//   - Nonce, Method: correlation id and handler selector
//   - ModuleID, LoadState, ModuleInfo: module lifecycle bookkeeping
//   - Override: module redirection entry
//
// Payloads:
//   - ModuleCallData, PresentSeedData, ReadyData, LogData, VersionData
//
// Example Usage:
//
//	env := types.Envelope{
//	    Nonce:  nonce,
//	    Method: types.MethodModuleCall,
//	    Data:   types.ModuleCallData{Module: id, Method: "secureUpload", Data: input},
//	}
package types
