// Package sandbox defines the isolation capability consumed by the execution
// engine. A Provider creates one Sandbox per execution attempt; any isolation
// technology (containers, microVMs) satisfies it without touching the engine.
package sandbox
