package pin

import "testing"

func validPin() Pin {
	return Pin{
		ID:        "pin_1",
		ProjectID: "proj_1",
		Name:      "Lake",
		Status:    StatusPlanned,
		Contacts:  []Contact{},
	}
}

func TestValidateAcceptsValidPin(t *testing.T) {
	if errs := validPin().Validate(); errs != nil {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Pin)
		field  string
	}{
		{
			name:   "empty name",
			mutate: func(p *Pin) { p.Name = "" },
			field:  "Pin.Name",
		},
		{
			name:   "bad status",
			mutate: func(p *Pin) { p.Status = "maybe" },
			field:  "Pin.Status",
		},
		{
			name: "contact number without name",
			mutate: func(p *Pin) {
				p.Contacts = []Contact{{Contact: "1234567"}}
			},
			field: "Pin.Contacts[0].Name",
		},
		{
			name: "contact number too short",
			mutate: func(p *Pin) {
				p.Contacts = []Contact{{Name: "Asha", Contact: "12345"}}
			},
			field: "Pin.Contacts[0].Contact",
		},
		{
			name: "contact number with separators",
			mutate: func(p *Pin) {
				p.Contacts = []Contact{{Name: "Asha", Contact: "123-456-789"}}
			},
			field: "Pin.Contacts[0].Contact",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPin()
			tc.mutate(&p)
			errs := p.Validate()
			if len(errs) == 0 {
				t.Fatal("expected validation errors")
			}
			found := false
			for _, fe := range errs {
				if fe.Field == tc.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tc.field, errs)
			}
		})
	}
}

func TestValidateAllowsNamedContactWithoutNumber(t *testing.T) {
	p := validPin()
	p.Contacts = []Contact{{Name: "Asha", Notes: "visit monthly"}}
	if errs := p.Validate(); errs != nil {
		t.Errorf("named contact without number must pass, got %v", errs)
	}
}
