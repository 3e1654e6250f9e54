// Package ecosystem coordinates case lifecycle: it starts and resets cases
// for authorized operators, keeps a rolling mission snapshot built from bus
// traffic, and freezes a case once every required section is approved.
package ecosystem
