package schema

// builtinResourceElements covers the clinical core of FHIR R4/DSTU3 for
// deployments that run without a structure-definitions directory. A profile
// directory, when configured, takes precedence over these.
var builtinResourceElements = map[string][]elementDef{
	"Patient": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "active", typ: "boolean"},
		{name: "name", typ: "HumanName", repeated: true},
		{name: "telecom", typ: "ContactPoint", repeated: true},
		{name: "gender", typ: "code"},
		{name: "birthDate", typ: "date"},
		{name: "deceasedBoolean", typ: "boolean"},
		{name: "deceasedDateTime", typ: "dateTime"},
		{name: "address", typ: "Address", repeated: true},
		{name: "maritalStatus", typ: "CodeableConcept"},
		{name: "managingOrganization", typ: "Reference"},
	},
	"Practitioner": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "active", typ: "boolean"},
		{name: "name", typ: "HumanName", repeated: true},
		{name: "telecom", typ: "ContactPoint", repeated: true},
		{name: "gender", typ: "code"},
		{name: "birthDate", typ: "date"},
	},
	"Organization": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "active", typ: "boolean"},
		{name: "type", typ: "CodeableConcept", repeated: true},
		{name: "name", typ: "string"},
		{name: "telecom", typ: "ContactPoint", repeated: true},
		{name: "address", typ: "Address", repeated: true},
		{name: "partOf", typ: "Reference"},
	},
	"Location": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "status", typ: "code"},
		{name: "name", typ: "string"},
		{name: "description", typ: "string"},
		{name: "type", typ: "CodeableConcept", repeated: true},
		{name: "address", typ: "Address"},
		{name: "partOf", typ: "Reference"},
	},
	"Encounter": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "status", typ: "code"},
		{name: "class", typ: "Coding"},
		{name: "type", typ: "CodeableConcept", repeated: true},
		{name: "subject", typ: "Reference"},
		{name: "participant", typ: "BackboneElement", repeated: true},
		{name: "period", typ: "Period"},
		{name: "reasonCode", typ: "CodeableConcept", repeated: true},
		{name: "location", typ: "BackboneElement", repeated: true},
		{name: "serviceProvider", typ: "Reference"},
		{name: "partOf", typ: "Reference"},
	},
	"Observation": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "status", typ: "code"},
		{name: "category", typ: "CodeableConcept", repeated: true},
		{name: "code", typ: "CodeableConcept"},
		{name: "subject", typ: "Reference"},
		{name: "encounter", typ: "Reference"},
		{name: "effectiveDateTime", typ: "dateTime"},
		{name: "effectivePeriod", typ: "Period"},
		{name: "issued", typ: "instant"},
		{name: "valueQuantity", typ: "Quantity"},
		{name: "valueCodeableConcept", typ: "CodeableConcept"},
		{name: "valueString", typ: "string"},
		{name: "valueBoolean", typ: "boolean"},
		{name: "valueInteger", typ: "integer"},
		{name: "valueDateTime", typ: "dateTime"},
		{name: "interpretation", typ: "CodeableConcept", repeated: true},
		{name: "note", typ: "Annotation", repeated: true},
		{name: "referenceRange", typ: "BackboneElement", repeated: true},
	},
	"Condition": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "clinicalStatus", typ: "CodeableConcept"},
		{name: "verificationStatus", typ: "CodeableConcept"},
		{name: "category", typ: "CodeableConcept", repeated: true},
		{name: "severity", typ: "CodeableConcept"},
		{name: "code", typ: "CodeableConcept"},
		{name: "subject", typ: "Reference"},
		{name: "encounter", typ: "Reference"},
		{name: "onsetDateTime", typ: "dateTime"},
		{name: "recordedDate", typ: "dateTime"},
	},
	"Procedure": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "status", typ: "code"},
		{name: "category", typ: "CodeableConcept"},
		{name: "code", typ: "CodeableConcept"},
		{name: "subject", typ: "Reference"},
		{name: "encounter", typ: "Reference"},
		{name: "performedDateTime", typ: "dateTime"},
		{name: "performedPeriod", typ: "Period"},
	},
	"Immunization": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "status", typ: "code"},
		{name: "vaccineCode", typ: "CodeableConcept"},
		{name: "patient", typ: "Reference"},
		{name: "encounter", typ: "Reference"},
		{name: "occurrenceDateTime", typ: "dateTime"},
	},
	"AllergyIntolerance": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "clinicalStatus", typ: "CodeableConcept"},
		{name: "verificationStatus", typ: "CodeableConcept"},
		{name: "type", typ: "code"},
		{name: "category", typ: "code", repeated: true},
		{name: "criticality", typ: "code"},
		{name: "code", typ: "CodeableConcept"},
		{name: "patient", typ: "Reference"},
		{name: "recordedDate", typ: "dateTime"},
	},
	"MedicationRequest": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "status", typ: "code"},
		{name: "intent", typ: "code"},
		{name: "medicationCodeableConcept", typ: "CodeableConcept"},
		{name: "medicationReference", typ: "Reference"},
		{name: "subject", typ: "Reference"},
		{name: "encounter", typ: "Reference"},
		{name: "authoredOn", typ: "dateTime"},
		{name: "requester", typ: "Reference"},
	},
	"Medication": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "code", typ: "CodeableConcept"},
		{name: "status", typ: "code"},
	},
	"DiagnosticReport": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "status", typ: "code"},
		{name: "category", typ: "CodeableConcept", repeated: true},
		{name: "code", typ: "CodeableConcept"},
		{name: "subject", typ: "Reference"},
		{name: "encounter", typ: "Reference"},
		{name: "effectiveDateTime", typ: "dateTime"},
		{name: "issued", typ: "instant"},
		{name: "result", typ: "Reference", repeated: true},
	},
	"ServiceRequest": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "status", typ: "code"},
		{name: "intent", typ: "code"},
		{name: "code", typ: "CodeableConcept"},
		{name: "subject", typ: "Reference"},
		{name: "encounter", typ: "Reference"},
		{name: "authoredOn", typ: "dateTime"},
		{name: "requester", typ: "Reference"},
	},
	"Person": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "name", typ: "HumanName", repeated: true},
		{name: "gender", typ: "code"},
		{name: "birthDate", typ: "date"},
		{name: "active", typ: "boolean"},
	},
	"RelatedPerson": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "patient", typ: "Reference"},
		{name: "relationship", typ: "CodeableConcept", repeated: true},
		{name: "name", typ: "HumanName", repeated: true},
		{name: "gender", typ: "code"},
	},
	"CarePlan": {
		{name: "identifier", typ: "Identifier", repeated: true},
		{name: "status", typ: "code"},
		{name: "intent", typ: "code"},
		{name: "title", typ: "string"},
		{name: "subject", typ: "Reference"},
		{name: "encounter", typ: "Reference"},
		{name: "period", typ: "Period"},
	},
}
