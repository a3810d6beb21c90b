// Package buildoptions holds the limits compiled into the VM.
package buildoptions

// CallStackCeiling is the maximum number of nested direct calls. The spill
// stack grows a chunk at a time, so without a ceiling a runaway recursive
// program would allocate until the host gives out.
const CallStackCeiling = 2000
