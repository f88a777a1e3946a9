// Package hw describes the boundary to the EDMA3 channel controller: the
// channel, slot and param-set types, the completion callback signature, and
// the [Controller] interface a concrete driver (or a simulation of one) has to
// implement.
//
// The param-set layout follows the PaRAM entry of the TI EDMA3 channel
// controller found on AM335x and DaVinci parts:
// https://www.ti.com/lit/ug/spruh73q/spruh73q.pdf (chapter 11.3)
package hw
