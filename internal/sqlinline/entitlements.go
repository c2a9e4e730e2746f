package sqlinline

const entitlementColumns = `
    account_id, plan, expires_at, provider,
    stripe_customer_id, stripe_subscription_id, stripe_payment_intent_id,
    play_purchase_token, play_product_id,
    pending_plan, pending_since, cancel_pending, optimistic_expiry,
    quota_used, version, created_at, updated_at`

const QSelectEntitlement = `--sql f74e70ae-2fc4-408b-aeae-d1dc8c70a17d
select` + entitlementColumns + `
from entitlements
where account_id = $1::uuid
limit 1;
`

const QInsertEntitlement = `--sql 4727ff58-6ee4-488d-8fd2-ae7659c04852
insert into entitlements (account_id, plan, provider, quota_used, version, created_at, updated_at)
values ($1::uuid, 'free', 'none', 0, 1, now(), now())
on conflict (account_id) do nothing;
`

const QSelectEntitlementByStripeCustomer = `--sql 400bd73e-fe9f-4470-82bd-7d91211b42cf
select` + entitlementColumns + `
from entitlements
where stripe_customer_id = $1::text
limit 1;
`

const QSelectEntitlementByStripeSubscription = `--sql 95b07bc8-a744-4279-9704-dcba5f659ccf
select` + entitlementColumns + `
from entitlements
where stripe_subscription_id = $1::text
limit 1;
`

const QSelectEntitlementByPurchaseToken = `--sql 23f38b7e-f04c-4dfa-9da9-f24aaeb0ce88
select` + entitlementColumns + `
from entitlements
where play_purchase_token = $1::text
limit 1;
`

// The version predicate is the whole concurrency story: a row only changes
// when nobody else has written it since the caller's read.
const QUpdateEntitlementCAS = `--sql cbb536d0-fb6d-444d-9bed-ddcbdd28952a
update entitlements
set plan = $3::text,
    expires_at = $4::timestamptz,
    provider = $5::text,
    stripe_customer_id = $6::text,
    stripe_subscription_id = $7::text,
    stripe_payment_intent_id = $8::text,
    play_purchase_token = $9::text,
    play_product_id = $10::text,
    pending_plan = $11::text,
    pending_since = $12::timestamptz,
    cancel_pending = $13::boolean,
    optimistic_expiry = $14::boolean,
    quota_used = $15::int,
    version = version + 1,
    updated_at = now()
where account_id = $1::uuid
  and version = $2::bigint;
`

const QSelectExpiredEntitlements = `--sql 0f6da234-bb8e-4a10-8c9c-7fe6f4ddc6c3
select` + entitlementColumns + `
from entitlements
where plan <> 'free'
  and expires_at is not null
  and expires_at < $1::timestamptz
order by expires_at
limit $2::int;
`

const QSelectStalePendingEntitlements = `--sql 127018c2-49bf-46b1-ba8c-47230e32f5e8
select` + entitlementColumns + `
from entitlements
where pending_plan is not null
  and pending_plan <> ''
  and pending_since is not null
  and pending_since < $1::timestamptz
order by pending_since
limit $2::int;
`

const QSelectOptimisticEntitlements = `--sql ca4ff351-6653-4364-8b3b-fb16bd2f2411
select` + entitlementColumns + `
from entitlements
where optimistic_expiry
  and plan <> 'free'
order by updated_at
limit $1::int;
`
