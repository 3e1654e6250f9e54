// Package bus implements the in-process signal bus that carries every data
// exchange between the evidence ledger, the section orchestrator, and the
// ecosystem controller.
//
// Delivery is synchronous and ordered by registration. A topic with no
// specific subscriber falls back to its default handler, if one is
// registered. Handler errors and panics are contained at the bus boundary and
// reported in the DeliveryResult so one failing subscriber cannot starve the
// rest. Request layers a bounded wait on top of Publish for signals that
// expect an answer, and ROLLCALL requests are throttled per target.
//
// The bus keeps a bounded delivery journal for audit and replay; an optional
// DeliverySink (the sqlite journal) receives every record.
package bus
