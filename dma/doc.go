// Package dma implements the bus master side of the adapters: physical address
// translation, transfer constraint validation, boundary-safe buffer pools and
// the scatter-gather engine that decides, per transfer, between handing caller
// memory to the hardware directly and consolidating it into a pool buffer.
package dma
